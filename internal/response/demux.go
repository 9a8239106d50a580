package response

import "sync"

// Demultiplexer routes chunks arriving on one shared provider-call stream
// to the per-request Slice whose batch index they carry (spec §4.4: "the
// demultiplexer reads the index field of each chunk and digests it into
// slices[index]"). A Descriptor's Members are assigned index 0..N-1 in
// emission order by the caller.
type Demultiplexer struct {
	mu     sync.Mutex
	slices []*Slice
}

// NewDemultiplexer creates a Demultiplexer sized for n members.
func NewDemultiplexer(n int) *Demultiplexer {
	d := &Demultiplexer{slices: make([]*Slice, n)}
	for i := range d.slices {
		d.slices[i] = NewSlice()
	}
	return d
}

// Slice returns the Slice for member index i.
func (d *Demultiplexer) Slice(i int) *Slice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slices[i]
}

// Digest routes one chunk to its member's Slice by index.
func (d *Demultiplexer) Digest(index int, e Element) {
	d.Slice(index).Digest(e)
}

// FinishAll delivers the same terminal element (a Recovery or a Failure)
// to every member slice not already finished, used when the provider call
// fails as a whole rather than per choice index.
func (d *Demultiplexer) FinishAll(e Element) {
	d.mu.Lock()
	slices := append([]*Slice(nil), d.slices...)
	d.mu.Unlock()
	for _, s := range slices {
		s.Finish(e)
	}
}
