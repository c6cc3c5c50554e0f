package methoddb

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/wippyai/fibers/classfile"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("methoddb: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ResumeTable lists, for every instrumented method, where each suspendable
// call landed after rewriting. A runtime uses it to map a suspended frame's
// resume state back to source positions.
type ResumeTable struct {
	Context string         `cbor:"1,keyasint"`
	Methods []ResumeMethod `cbor:"2,keyasint,omitempty"`
}

// ResumeMethod is one method of a ResumeTable. Site i resumes in state i+1.
type ResumeMethod struct {
	Class  string       `cbor:"1,keyasint"`
	Method string       `cbor:"2,keyasint"`
	Sites  []ResumeSite `cbor:"3,keyasint"`
}

// ResumeSite is one suspendable call.
type ResumeSite struct {
	Target   string `cbor:"1,keyasint"`
	Original int    `cbor:"2,keyasint"`
	Final    int    `cbor:"3,keyasint"`
}

// Lookup returns the sites of class.method, or nil.
func (t *ResumeTable) Lookup(ref classfile.MethodRef) []ResumeSite {
	sig := ref.Signature()
	for _, m := range t.Methods {
		if m.Class == ref.Owner && m.Method == sig {
			return m.Sites
		}
	}
	return nil
}

// ResumeTable collects the committed call sites of the named classes, or of
// every class when none are named. Classes are in name order, methods in
// first-seen order.
func (db *MethodDatabase) ResumeTable(classes ...string) *ResumeTable {
	t := &ResumeTable{Context: db.name}
	var entries []*ClassEntry
	if len(classes) == 0 {
		entries = db.Classes()
	} else {
		for _, name := range classes {
			if ce := db.ClassEntry(name); ce != nil {
				entries = append(entries, ce)
			}
		}
	}
	for _, ce := range entries {
		for _, me := range ce.Methods() {
			sites := me.CallSites()
			if len(sites) == 0 {
				continue
			}
			rm := ResumeMethod{Class: ce.name, Method: me.signature, Sites: make([]ResumeSite, len(sites))}
			for i, s := range sites {
				rm.Sites[i] = ResumeSite{Target: s.Target.String(), Original: s.Original, Final: s.Final}
			}
			t.Methods = append(t.Methods, rm)
		}
	}
	return t
}

// ExportResumeTable serializes the resume table of the named classes to CBOR.
func (db *MethodDatabase) ExportResumeTable(classes ...string) ([]byte, error) {
	return MarshalResumeTable(db.ResumeTable(classes...))
}

// MarshalResumeTable serializes t to canonical CBOR.
func MarshalResumeTable(t *ResumeTable) ([]byte, error) {
	return cborEncMode.Marshal(t)
}

// DecodeResumeTable deserializes a resume table from CBOR bytes.
func DecodeResumeTable(data []byte) (*ResumeTable, error) {
	var t ResumeTable
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("methoddb: unmarshal resume table: %w", err)
	}
	return &t, nil
}
