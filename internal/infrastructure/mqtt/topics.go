package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the root of the Air Vinyl topic tree.
const DefaultTopicPrefix = "airvinyl"

// Topics provides builders for Air Vinyl MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{Prefix: "airvinyl"}
//	topics.Device("AABBCC@Kitchen")
//	// Returns: "airvinyl/device/AABBCC@Kitchen"
//
// The zero value uses DefaultTopicPrefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// SystemStatus returns the retained online/offline topic, also used as LWT.
//
// Example: airvinyl/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.prefix())
}

// State returns the retained session state topic.
//
// Example: airvinyl/state
func (t Topics) State() string {
	return fmt.Sprintf("%s/state", t.prefix())
}

// Device returns the retained topic for one discovered receiver.
// MQTT wildcard and separator characters in the ID are replaced with '_'.
//
// Example: airvinyl/device/AABBCC@Kitchen
func (t Topics) Device(id string) string {
	return fmt.Sprintf("%s/device/%s", t.prefix(), topicSegment(id))
}

// Command returns the topic clients publish session requests to.
//
// Example: airvinyl/command
func (t Topics) Command() string {
	return fmt.Sprintf("%s/command", t.prefix())
}

var segmentReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicSegment(s string) string {
	return segmentReplacer.Replace(s)
}
