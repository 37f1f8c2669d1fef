package media

import (
	"context"
	"sync"
	"time"

	"github.com/BioHazard786/meshcall/internal/rtc"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// ReportInterval is how often Drain reports counters.
const ReportInterval = time.Second

// Stats are receive counters for one remote stream.
type Stats struct {
	StreamID      string
	Tracks        int
	Packets       uint64
	Bytes         uint64
	Lost          uint64
	SenderReports uint64
}

type counter struct {
	mu      sync.Mutex
	stats   Stats
	lastSeq map[uint32]uint16
}

func newCounter(streamID string) *counter {
	return &counter{stats: Stats{StreamID: streamID}, lastSeq: make(map[uint32]uint16)}
}

// observe counts pkt and any sequence gap since the previous packet of its SSRC.
func (c *counter) observe(pkt *rtp.Packet, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Packets++
	c.stats.Bytes += uint64(size)

	last, seen := c.lastSeq[pkt.SSRC]
	if !seen {
		c.lastSeq[pkt.SSRC] = pkt.SequenceNumber
		return
	}
	// uint16 arithmetic handles wraparound; late packets are not counted
	gap := pkt.SequenceNumber - last
	if gap == 0 || gap >= 0x8000 {
		return
	}
	c.lastSeq[pkt.SSRC] = pkt.SequenceNumber
	c.stats.Lost += uint64(gap - 1)
}

func (c *counter) observeRTCP(pkts []rtcp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range pkts {
		if _, ok := p.(*rtcp.SenderReport); ok {
			c.stats.SenderReports++
		}
	}
}

func (c *counter) addTrack() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Tracks++
}

func (c *counter) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Drain consumes every track of stream until ctx is done or the stream ends,
// calling report with the running counters. It blocks.
func Drain(ctx context.Context, stream *rtc.RemoteStream, report func(Stats)) {
	c := newCounter(stream.ID())
	var wg sync.WaitGroup

	ticker := time.NewTicker(ReportInterval)
	defer ticker.Stop()

	tracks := stream.Tracks()
	for tracks != nil {
		select {
		case <-ctx.Done():
			tracks = nil
		case t, ok := <-tracks:
			if !ok {
				tracks = nil
				continue
			}
			c.addTrack()
			wg.Add(2)
			go func() {
				defer wg.Done()
				for ctx.Err() == nil {
					pkt, _, err := t.Remote.ReadRTP()
					if err != nil {
						return
					}
					c.observe(pkt, pkt.MarshalSize())
				}
			}()
			go func() {
				defer wg.Done()
				for ctx.Err() == nil {
					pkts, _, err := t.Receiver.ReadRTCP()
					if err != nil {
						return
					}
					c.observeRTCP(pkts)
				}
			}()
		case <-ticker.C:
			if report != nil {
				report(c.snapshot())
			}
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			if report != nil {
				report(c.snapshot())
			}
			return
		case <-ticker.C:
			if report != nil {
				report(c.snapshot())
			}
		}
	}
}
