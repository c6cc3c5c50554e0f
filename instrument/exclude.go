package instrument

import "strings"

// Runtime and toolchain classes are never instrumented.
var alwaysExcluded = []string{
	"fibers/instrument/",
	"fibers/classfile/",
	"vm/lang/",
}

// Platform classes are instrumented only with AllowPlatform.
var platformPrefixes = []string{
	"vm/",
	"sys/",
}

// ShouldInstrument reports whether className is eligible for
// instrumentation. Both '.' and '/' separators are accepted. An empty name
// is eligible.
func (i *Instrumentor) ShouldInstrument(className string) bool {
	return shouldInstrument(className, i.AllowPlatform())
}

func shouldInstrument(className string, allowPlatform bool) bool {
	if className == "" {
		return true
	}
	name := strings.ReplaceAll(className, ".", "/")
	if name == "fibers/Stack" || name == "fibers/Fiber" || strings.HasPrefix(name, "fibers/Fiber$") {
		return false
	}
	for _, p := range alwaysExcluded {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	if !allowPlatform {
		for _, p := range platformPrefixes {
			if strings.HasPrefix(name, p) {
				return false
			}
		}
	}
	return true
}
