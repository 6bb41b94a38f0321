package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector_Totals(t *testing.T) {
	c := NewCollector()

	c.RecordRequest("example.com", false)
	c.RecordRequest("example.com", false)
	c.RecordRequest("ads.example.com", true)
	c.RecordMITMSession()
	c.RecordSOCKSFlow()
	c.RecordTransform(true)
	c.RecordTransform(true)
	c.RecordTransform(false)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.Requests)
	assert.Equal(t, int64(1), snap.Blocked)
	assert.Equal(t, int64(1), snap.MITMSessions)
	assert.Equal(t, int64(1), snap.SOCKSFlows)
	assert.Equal(t, int64(2), snap.TransformsOK)
	assert.Equal(t, int64(1), snap.TransformsFailed)
}

func TestCollector_TopCounts(t *testing.T) {
	c := NewCollector()

	for i := 0; i < 5; i++ {
		c.RecordRequest("busy.example.com", false)
	}
	c.RecordRequest("quiet.example.com", false)
	c.RecordRequest("ads.one.test", true)
	c.RecordRequest("ads.one.test", true)
	c.RecordRequest("ads.two.test", true)

	top := c.TopRequested(1)
	assert.Len(t, top, 1)
	assert.Equal(t, "busy.example.com", top[0].Host)
	assert.Equal(t, int64(5), top[0].Count)

	blocked := c.TopBlocked(10)
	assert.Len(t, blocked, 2)
	assert.Equal(t, "ads.one.test", blocked[0].Host)
	assert.Equal(t, int64(2), blocked[0].Count)
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordRequest("example.com", j%2 == 0)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(800), snap.Requests)
	assert.Equal(t, int64(400), snap.Blocked)
}
