package webrtc

import (
	"math"
	"time"

	pion "github.com/pion/webrtc/v4"
)

// Stats is a cumulative transport snapshot of one handle.
type Stats struct {
	// PacketsReceived and PacketsLost describe the streams we send, as the
	// remote side reports them. Without remote reports they fall back to the
	// streams we receive.
	PacketsReceived uint64
	PacketsLost     int64
	// RemoteReports is set when the counters come from remote reports.
	RemoteReports bool
	// Jitter is the worst stream jitter from the same source as the counters.
	Jitter time.Duration
	// RoundTripTime prefers RTCP-derived RTT and falls back to the nominated
	// candidate pair.
	RoundTripTime time.Duration
}

type lossCounters struct {
	received uint64
	lost     int64
	jitter   float64
	reports  int
}

func (c *lossCounters) add(received uint64, lost int64, jitter float64) {
	c.received += received
	c.lost += lost
	c.jitter = math.Max(c.jitter, jitter)
	c.reports++
}

func extractStats(report pion.StatsReport) Stats {
	var (
		inbound, remote lossCounters
		rtcpRTT         float64
		pairRTT         float64
	)

	for _, s := range report {
		switch st := s.(type) {
		case pion.InboundRTPStreamStats:
			inbound.add(uint64(st.PacketsReceived), int64(st.PacketsLost), st.Jitter)
		case pion.RemoteInboundRTPStreamStats:
			remote.add(uint64(st.PacketsReceived), int64(st.PacketsLost), st.Jitter)
			rtcpRTT = math.Max(rtcpRTT, st.RoundTripTime)
		case pion.ICECandidatePairStats:
			if st.Nominated {
				pairRTT = math.Max(pairRTT, st.CurrentRoundTripTime)
			}
		}
	}

	src := inbound
	if remote.reports > 0 {
		src = remote
	}
	out := Stats{
		PacketsReceived: src.received,
		PacketsLost:     src.lost,
		RemoteReports:   remote.reports > 0,
		Jitter:          seconds(src.jitter),
	}
	if rtcpRTT > 0 {
		out.RoundTripTime = seconds(rtcpRTT)
	} else {
		out.RoundTripTime = seconds(pairRTT)
	}
	return out
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}
