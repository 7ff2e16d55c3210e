package query

import (
	"regexp"
	"sync"
)

// regexRegistry is the process-wide compiled-regex cache. Reads never block
// each other; a miss compiles outside the lock and briefly upgrades to the
// writer path to publish the result. Initialised on first use, no teardown.
var regexRegistry = struct {
	sync.RWMutex
	patterns map[string]*regexp.Regexp
}{patterns: make(map[string]*regexp.Regexp)}

// compileRegex returns the cached compiled form of pattern, compiling and
// caching it on first use.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	regexRegistry.RLock()
	re, ok := regexRegistry.patterns[pattern]
	regexRegistry.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	regexRegistry.Lock()
	if existing, ok := regexRegistry.patterns[pattern]; ok {
		re = existing
	} else {
		regexRegistry.patterns[pattern] = re
	}
	regexRegistry.Unlock()
	return re, nil
}
