package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供代理请求日志的公共字段：请求、客户端与响应来源。
func RequestFields(method, url, clientID, source string, status int) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"url":       url,
		"client_id": clientID,
		"source":    source,
		"status":    status,
		"cache_hit": source == "cache",
	}
}

// WorkerFields 标识生命周期日志中的 worker。
func WorkerFields(id, version, state string) logrus.Fields {
	return logrus.Fields{
		"worker_id": id,
		"version":   version,
		"state":     state,
	}
}
