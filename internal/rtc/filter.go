package rtc

import (
	"log/slog"

	"github.com/pion/sdp/v3"
)

// DescriptorFilter rewrites a session description before it is applied
// locally and sent to the remote side.
type DescriptorFilter func(sdp string) string

// ChainFilters applies filters left to right. Nil entries are skipped.
func ChainFilters(filters ...DescriptorFilter) DescriptorFilter {
	return func(s string) string {
		for _, f := range filters {
			if f != nil {
				s = f(s)
			}
		}
		return s
	}
}

// LimitBandwidth caps every video section at kbps with b=AS and b=TIAS lines.
// Descriptions that fail to parse are passed through untouched.
func LimitBandwidth(kbps uint64) DescriptorFilter {
	return func(raw string) string {
		if kbps == 0 {
			return raw
		}

		var desc sdp.SessionDescription
		if err := desc.Unmarshal([]byte(raw)); err != nil {
			slog.Debug("bandwidth filter skipped", "error", err)
			return raw
		}

		for _, m := range desc.MediaDescriptions {
			if m.MediaName.Media != "video" {
				continue
			}
			m.Bandwidth = withBandwidth(m.Bandwidth, "AS", kbps)
			m.Bandwidth = withBandwidth(m.Bandwidth, "TIAS", kbps*1000)
		}

		out, err := desc.Marshal()
		if err != nil {
			slog.Debug("bandwidth filter skipped", "error", err)
			return raw
		}
		return string(out)
	}
}

func withBandwidth(list []sdp.Bandwidth, kind string, value uint64) []sdp.Bandwidth {
	for i := range list {
		if list[i].Type == kind {
			list[i].Bandwidth = value
			return list
		}
	}
	return append(list, sdp.Bandwidth{Type: kind, Bandwidth: value})
}
