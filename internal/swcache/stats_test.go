package swcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	snap := s.Snapshot()
	assert.Zero(t, snap.TotalResponses)
	assert.Zero(t, snap.MinRespBytes)

	s.Observe(&Response{Source: SourceCache, Body: make([]byte, 10)})
	s.Observe(&Response{Source: SourceCache, Body: make([]byte, 30)})
	s.Observe(&Response{Source: SourceStale, Body: make([]byte, 20)})

	snap = s.Snapshot()
	assert.Equal(t, uint64(3), snap.TotalResponses)
	assert.Equal(t, uint64(2), snap.BySource[SourceCache])
	assert.Equal(t, uint64(1), snap.BySource[SourceStale])
	assert.Equal(t, uint64(10), snap.MinRespBytes)
	assert.Equal(t, uint64(30), snap.MaxRespBytes)
	assert.Equal(t, uint64(20), snap.AvgRespBytes)
}

func TestStatsLine(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/api/employees", 200, "list")
	e := newInstalledEngine(t, testConfig(t), origin)
	e.Handle(context.Background(), getReq(t, "/api/employees"))
	e.Handle(context.Background(), getReq(t, "/api/employees"))

	line := e.statsLine()
	assert.Contains(t, line, "state=active served=2")
	assert.Contains(t, line, "network=1 cache=1")
	// "list" plus its Content-Type header.
	assert.Contains(t, line, "swcache-api-v1=1/26b")
	assert.Contains(t, line, "swcache-static-v1=0/0b")
	assert.Contains(t, line, "consumers 0")
}
