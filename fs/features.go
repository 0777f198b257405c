package fs

import "strings"

// Capability is one bit of a driver's capability set.
type Capability uint32

// Capability tags. A driver publishes the subset it implements after
// Init; the orchestrator refuses operations outside the set.
const (
	CapReader Capability = 1 << iota
	CapWriter
	CapAtomic
	CapDirectLink
	CapProxy
	CapPagedList
	CapMultipart
	CapSearch
)

var capNames = []struct {
	cap  Capability
	name string
}{
	{CapReader, "READER"},
	{CapWriter, "WRITER"},
	{CapAtomic, "ATOMIC"},
	{CapDirectLink, "DIRECT_LINK"},
	{CapProxy, "PROXY"},
	{CapPagedList, "PAGED_LIST"},
	{CapMultipart, "MULTIPART"},
	{CapSearch, "SEARCH"},
}

// Has reports whether every bit of want is present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// String returns the set as "READER|WRITER|...".
func (c Capability) String() string {
	var out []string
	for _, e := range capNames {
		if c.Has(e.cap) {
			out = append(out, e.name)
		}
	}
	if len(out) == 0 {
		return "NONE"
	}
	return strings.Join(out, "|")
}

// Features describes what a driver instance can do. The capability set is
// recomputed dynamically in Init: a driver configured without a write
// credential drops CapWriter, a ref pinned to a commit id drops
// CapWriter+CapAtomic, and so on.
type Features struct {
	Caps Capability

	// ReadOnlyReason is set when writes were dropped at Init time, for
	// error messages.
	ReadOnlyReason string
}

// Set adds capabilities to the set.
func (f *Features) Set(c Capability) *Features {
	f.Caps |= c
	return f
}

// Clear removes capabilities from the set.
func (f *Features) Clear(c Capability) *Features {
	f.Caps &^= c
	return f
}

// Has reports whether the feature set includes every bit of c.
func (f *Features) Has(c Capability) bool {
	return f.Caps.Has(c)
}

// CheckWritable returns a coded semantic refusal unless CapWriter is
// present. Drivers call this before any network traffic on a write path.
func (f *Features) CheckWritable() error {
	if f.Has(CapWriter) {
		return nil
	}
	msg := "storage is read-only"
	if f.ReadOnlyReason != "" {
		msg = f.ReadOnlyReason
	}
	return newError(CodeTokenRequiredForWrite, 403, true, msg)
}
