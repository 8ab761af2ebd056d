package dispatch

import (
	"strings"

	"github.com/glowbound/fleetcore/pkg/models"
)

// TopicSystemInfo is the identity topic, relative to the component
// segment. It doubles as the will topic: the broker publishes an empty
// payload on it when a component drops off.
const TopicSystemInfo = "system/info"

// IsIdentityTopic reports whether topic carries a system identity and
// may therefore resolve a component's API version.
func IsIdentityTopic(topic string) bool { return topic == TopicSystemInfo }

// routeKind is the closed set of actions the dispatcher knows how to
// take on an inbound topic.
type routeKind int

const (
	// routeUnhandled covers reserved topics: partial publish, get/set
	// echoes, and the connections channel.
	routeUnhandled routeKind = iota
	routeSystemInfo
	routeAppInfo
	routeRegisterProp
	routeLog
	routePropPublish
)

type route struct {
	kind   routeKind
	source models.Source
	path   string // property path, routePropPublish only
}

// parseTopic maps a component-relative topic onto a route. The
// grammar, with <source> in {system, app}:
//
//	system/info                      identity / will
//	app/info                         application identity
//	<source>/register/prop           one property registration
//	<source>/log                     device log line
//	<source>/prop/pub/:/<path...>    full-value publication
//	<source>/prop/pub/<idx>/<path…>  partial publication (reserved)
//	<source>/prop/get|set/...        reserved
//	<source>/connections             reserved
func parseTopic(topic string) route {
	segs := strings.Split(topic, "/")
	source, ok := models.ParseSource(segs[0])
	if !ok || len(segs) < 2 {
		return route{kind: routeUnhandled}
	}

	switch segs[1] {
	case "info":
		if len(segs) != 2 {
			return route{kind: routeUnhandled}
		}
		switch source {
		case models.SourceSystem:
			return route{kind: routeSystemInfo, source: source}
		case models.SourceApp:
			return route{kind: routeAppInfo, source: source}
		}
	case "register":
		if len(segs) == 3 && segs[2] == "prop" {
			return route{kind: routeRegisterProp, source: source}
		}
	case "log":
		if len(segs) == 2 {
			return route{kind: routeLog, source: source}
		}
	case "prop":
		// Only the full-value publication (index expression ":") is
		// live; indexed partial publications are reserved.
		if len(segs) >= 5 && segs[2] == "pub" && segs[3] == ":" {
			return route{kind: routePropPublish, source: source, path: strings.Join(segs[4:], "/")}
		}
	}
	return route{kind: routeUnhandled}
}
