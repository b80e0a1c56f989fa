package mqtt

import "strings"

// Matches reports whether a concrete topic matches a subscription pattern.
//
// Pattern syntax follows MQTT wildcard rules:
//   - "+" matches exactly one arbitrary, non-empty segment
//   - "#" matches the remainder of the topic (any depth, including zero
//     segments) and is only meaningful as the final segment
//
// A pattern without wildcards matches only the identical topic.
//
// Examples:
//
//	Matches("swissairdry/+/status", "swissairdry/dryer-001/status") // true
//	Matches("swissairdry/#", "swissairdry/dryer-001/ota/progress")  // true
//	Matches("swissairdry/+/status", "swissairdry/a/b/status")       // false
func Matches(pattern, topic string) bool {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")

	// Without a multi-level wildcard the segment counts must line up exactly.
	if !strings.Contains(pattern, "#") && len(patternParts) != len(topicParts) {
		return false
	}

	for i, part := range patternParts {
		if part == "#" {
			// Consumes the remainder of the topic.
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part == "+" {
			if topicParts[i] == "" {
				return false
			}
			continue
		}
		if part != topicParts[i] {
			return false
		}
	}

	return len(patternParts) == len(topicParts)
}

// SplitDeviceTopic extracts the device ID and channel from a device topic of
// the form "swissairdry/{device_id}/{channel}". The channel may itself be
// nested, e.g. "ota/progress".
//
// Returns ok=false for topics outside the device namespace.
func SplitDeviceTopic(topic string) (deviceID, channel string, ok bool) {
	const prefix = TopicPrefix + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", "", false
	}

	rest := strings.TrimPrefix(topic, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	return parts[0], parts[1], true
}
