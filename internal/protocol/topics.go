package protocol

import (
	"fmt"
	"strings"
)

// AllDevicesPublishTopic matches the publish topic of every device. Local
// brokers deliver device pushes here rather than to the user topic.
const AllDevicesPublishTopic = "/appliance/+/publish"

// DeviceRequestTopic returns the topic a device listens on for requests.
func DeviceRequestTopic(uuid string) string {
	return fmt.Sprintf("/appliance/%s/subscribe", uuid)
}

// DevicePublishTopic returns the topic a device publishes its replies on.
func DevicePublishTopic(uuid string) string {
	return fmt.Sprintf("/appliance/%s/publish", uuid)
}

// AppReplyTopic returns the topic replies to this client are routed to.
// It is also the value of the from field in outgoing headers.
func AppReplyTopic(userID, appID string) string {
	return fmt.Sprintf("/app/%s-%s/subscribe", userID, appID)
}

// UserPushTopic returns the topic the broker uses for push notifications
// addressed to every client of a user.
func UserPushTopic(userID string) string {
	return fmt.Sprintf("/app/%s/subscribe", userID)
}

// DeviceUUIDFromTopic extracts the device uuid from an appliance topic such
// as "/appliance/{uuid}/publish". It returns "" for any other topic.
func DeviceUUIDFromTopic(topic string) string {
	parts := strings.Split(strings.TrimPrefix(topic, "/"), "/")
	if len(parts) < 2 || parts[0] != "appliance" {
		return ""
	}
	return parts[1]
}
