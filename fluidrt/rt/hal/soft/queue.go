package soft

import (
	"fmt"
	"time"
)

type submission struct {
	cmd     *CommandBuffer
	signal  *Semaphore
	fence   *Fence
	buffers []*Buffer
}

type setBinding struct {
	set     uint32
	binding uint32
}

// Dispatch is the view a kernel gets of one dispatch command.
type Dispatch struct {
	Groups    [3]uint32
	LocalSize uint32
	Push      []byte

	buffers map[setBinding][]byte
}

// Buffer returns the memory bound at (set, binding), or nil.
func (d *Dispatch) Buffer(set, binding uint32) []byte {
	return d.buffers[setBinding{set, binding}]
}

// Invocations is the number of kernel invocations along x.
func (d *Dispatch) Invocations() uint32 {
	return d.Groups[0] * d.LocalSize
}

func (d *Device) run() {
	defer close(d.done)
	for s := range d.queue {
		if d.latency > 0 {
			time.Sleep(d.latency)
		}
		if err := d.execute(s); err != nil {
			d.markLost(err)
		}
		// buffers are released before the fence so that a host woken by the
		// fence never observes them as busy
		for _, b := range s.buffers {
			b.inFlight.Add(-1)
		}
		s.cmd.markComplete()
		if s.signal != nil {
			s.signal.signals.Add(1)
		}
		if s.fence != nil {
			s.fence.signal()
		}
		d.pending.Done()
	}
}

func (d *Device) execute(s *submission) error {
	var (
		pipeline *Pipeline
		push     []byte
	)
	sets := make(map[uint32]*DescriptorSet)
	for _, o := range s.cmd.ops {
		switch o.kind {
		case opBindPipeline:
			pipeline = o.pipeline
		case opBindSets:
			for i, set := range o.sets {
				sets[o.first+uint32(i)] = set
			}
		case opPushConstants:
			push = o.push
		case opDispatch:
			if pipeline == nil {
				return fmt.Errorf("command buffer %q: dispatch without a bound pipeline", s.cmd.label)
			}
			disp := &Dispatch{
				Groups:    o.groups,
				LocalSize: pipeline.localSize,
				Push:      push,
				buffers:   make(map[setBinding][]byte),
			}
			for idx, set := range sets {
				if !set.valid() {
					return fmt.Errorf("command buffer %q: descriptor set %d used after its pool was reset", s.cmd.label, idx)
				}
				for binding, buf := range set.snapshot() {
					disp.buffers[setBinding{idx, binding}] = buf.data
				}
			}
			if o.groups[0] == 0 || o.groups[1] == 0 || o.groups[2] == 0 {
				d.dispatches.Add(1)
				continue
			}
			if err := pipeline.kernel(disp); err != nil {
				return fmt.Errorf("pipeline %q: %w", pipeline.label, err)
			}
			d.dispatches.Add(1)
		}
	}
	return nil
}
