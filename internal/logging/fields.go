package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 描述 install/activate 等生命周期阶段。
func LifecycleFields(phase, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":     "lifecycle",
		"phase":      phase,
		"cache_name": cacheName,
	}
}

// RequestFields 提供拦截请求的方法、URL 与来源字段，供代理请求日志复用。
func RequestFields(method, url, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":    "fetch",
		"method":    method,
		"url":       url,
		"source":    source,
		"cache_hit": cacheHit,
	}
}
