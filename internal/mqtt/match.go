package mqtt

import "strings"

// TopicMatches 判断主题是否匹配过滤器。
// 支持单层通配 `+` 与多层通配 `#`（只允许出现在末层）。
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, fp := range filterParts {
		if fp == "#" {
			return i == len(filterParts)-1
		}
		if i >= len(topicParts) {
			return false
		}
		if fp != "+" && fp != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}
