package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 site/domain/请求 ID 字段，供 HTTP 请求日志复用。
func RequestFields(site, domain, requestID, method, path string) logrus.Fields {
	return logrus.Fields{
		"site":       site,
		"domain":     domain,
		"request_id": requestID,
		"method":     method,
		"path":       path,
	}
}

// DictionaryFields 描述一次字典操作涉及的条目。
func DictionaryFields(url, match, token string, size int64) logrus.Fields {
	return logrus.Fields{
		"url":   url,
		"match": match,
		"token": token,
		"size":  size,
	}
}
