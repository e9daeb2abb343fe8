package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ConnFields 提供客户端连接的标识字段。
func ConnFields(connID, remote string) logrus.Fields {
	return logrus.Fields{
		"action": "frontend",
		"conn":   connID,
		"remote": remote,
	}
}

// FetchFields 提供上游抓取日志的公共字段。
func FetchFields(key string, worker int) logrus.Fields {
	return logrus.Fields{
		"action": "fetch",
		"key":    key,
		"worker": worker,
	}
}

// CacheFields 提供缓存目录变更日志的公共字段。
func CacheFields(key, path string) logrus.Fields {
	return logrus.Fields{
		"action": "cache",
		"key":    key,
		"path":   path,
	}
}
