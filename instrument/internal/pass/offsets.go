package pass

import (
	"fmt"

	"github.com/wippyai/fibers/classfile"
	"github.com/wippyai/fibers/errors"
	"github.com/wippyai/fibers/methoddb"
)

// OffsetRecorder records the serialized offset of every tagged call.
// With methoddb.PhasePre it runs between labeling and rewriting; with
// methoddb.PhasePost it runs last, checks the records against the pre
// records and attaches InstrumentedInfo to every rewritten method.
type OffsetRecorder struct {
	When methoddb.Phase
}

func (r OffsetRecorder) Name() string {
	if r.When == methoddb.PhasePre {
		return "pre-offsets"
	}
	return "post-offsets"
}

func (r OffsetRecorder) Phase() errors.Phase {
	if r.When == methoddb.PhasePre {
		return errors.PhasePreOffsets
	}
	return errors.PhasePostOffsets
}

// Run records offsets. The class must come straight from the decoder so
// that method offsets are present.
func (r OffsetRecorder) Run(st *State, c *classfile.Class) error {
	phase := r.Phase()
	for _, m := range c.Methods {
		sig := m.Signature()
		sites, err := markedSites(m)
		if err != nil {
			return errors.Inconsistent(phase, c.Name, sig, err.Error())
		}

		switch r.When {
		case methoddb.PhasePre:
			if len(sites) != st.Tagged[sig] {
				return errors.Inconsistent(phase, c.Name, sig,
					fmt.Sprintf("%d marks found, labeler tagged %d", len(sites), st.Tagged[sig]))
			}
			if len(sites) == 0 {
				continue
			}
			st.Pre[sig] = sites
		case methoddb.PhasePost:
			if _, ok := st.Pre[sig]; !ok && len(sites) == 0 {
				continue
			}
			st.Post[sig] = sites
		}
		if err := st.DB.RecordOffsets(c.Ref(m), r.When, sites); err != nil {
			return err
		}
		if r.When == methoddb.PhasePost {
			if _, ok := st.Results[sig]; ok {
				m.Instrumented = instrumentedInfo(st.Pre[sig], sites, st.AOT)
			}
		}
	}
	return nil
}

// markedSites lists the tagged invokes of m in program order.
func markedSites(m *classfile.Method) ([]methoddb.SiteOffset, error) {
	var sites []methoddb.SiteOffset
	for i, ins := range m.Code {
		ord, ok := ins.Site()
		if !ok {
			continue
		}
		j, ok := classfile.NextInvoke(m.Code, i)
		if !ok {
			return nil, fmt.Errorf("mark %d at instruction %d is not followed by an invoke", ord, i)
		}
		if j >= len(m.Offsets) {
			return nil, fmt.Errorf("no decoded offset for instruction %d", j)
		}
		ref, _ := m.Code[j].Method()
		sites = append(sites, methoddb.SiteOffset{Target: ref, Offset: m.Offsets[j], Site: ord})
	}
	return sites, nil
}

func instrumentedInfo(pre, post []methoddb.SiteOffset, aot bool) *classfile.InstrumentedInfo {
	info := &classfile.InstrumentedInfo{AOT: aot, Sites: make([]classfile.InstrumentedSite, len(post))}
	for i := range post {
		info.Sites[i] = classfile.InstrumentedSite{
			Target: post[i].Target,
			Pre:    uint32(pre[i].Offset),
			Post:   uint32(post[i].Offset),
		}
	}
	return info
}
