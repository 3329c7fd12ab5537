package mqtt

import (
	"strings"
	"sync"

	"github.com/smart-guard/pulseone/internal/config"
)

// TopicMatches implements MQTT filter matching: `+` spans one level,
// `#` zero or more remaining levels, so `a/#` also matches `a`. `#`
// only matches as the final level.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// pointIndex routes an incoming message topic to the points it feeds.
// Exact topics hit a map; wildcard filters are scanned. One topic may
// feed several points through different JSON paths.
type pointIndex struct {
	mu    sync.RWMutex
	exact map[string][]*config.PointDescriptor
	wild  []wildEntry
}

type wildEntry struct {
	filter string
	points []*config.PointDescriptor
}

func newPointIndex(points []*config.PointDescriptor) *pointIndex {
	idx := &pointIndex{exact: make(map[string][]*config.PointDescriptor)}
	for _, p := range points {
		idx.add(p)
	}
	return idx
}

func (idx *pointIndex) add(p *config.PointDescriptor) {
	topic := p.AddressString
	if topic == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if strings.ContainsAny(topic, "+#") {
		for i := range idx.wild {
			if idx.wild[i].filter == topic {
				idx.wild[i].points = append(idx.wild[i].points, p)
				return
			}
		}
		idx.wild = append(idx.wild, wildEntry{filter: topic, points: []*config.PointDescriptor{p}})
		return
	}
	idx.exact[topic] = append(idx.exact[topic], p)
}

// match returns every point fed by the topic, nil when unmatched.
func (idx *pointIndex) match(topic string) []*config.PointDescriptor {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := idx.exact[topic]
	for _, w := range idx.wild {
		if TopicMatches(w.filter, topic) {
			out = append(out[:len(out):len(out)], w.points...)
		}
	}
	return out
}

// filters lists the distinct subscription filters the index needs.
func (idx *pointIndex) filters() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.exact)+len(idx.wild))
	for t := range idx.exact {
		out = append(out, t)
	}
	for _, w := range idx.wild {
		out = append(out, w.filter)
	}
	return out
}
