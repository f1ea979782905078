package store

import (
	"strings"

	"github.com/mosaicnetworks/stakenet/src/common"
)

// Physical key layout. The three namespaces share one key space and are told
// apart by prefix only.
const (
	flatPrefix   = "kv/"
	nestedPrefix = "nested/"
	mapPrefix    = "nmap/"
	sep          = "/"
)

func flatKey(key string) (string, error) {
	if key == "" {
		return "", common.NewStoreErr("Flat", common.InvalidKey, key)
	}
	return flatPrefix + key, nil
}

func nestedKey(k1, k2 string) (string, error) {
	if err := checkSegment("Nested", k1); err != nil {
		return "", err
	}
	if k2 == "" {
		return "", common.NewStoreErr("Nested", common.InvalidKey, k1+sep)
	}
	return nestedPrefix + k1 + sep + k2, nil
}

func nestedRange(k1 string) (string, error) {
	if err := checkSegment("Nested", k1); err != nil {
		return "", err
	}
	return nestedPrefix + k1 + sep, nil
}

func mapKey(mapName, compositeKey string) (string, error) {
	if err := checkSegment("NamedMap", mapName); err != nil {
		return "", err
	}
	if compositeKey == "" {
		return "", common.NewStoreErr("NamedMap", common.InvalidKey, mapName+sep)
	}
	return mapPrefix + mapName + sep + compositeKey, nil
}

func mapRange(mapName string) (string, error) {
	if err := checkSegment("NamedMap", mapName); err != nil {
		return "", err
	}
	return mapPrefix + mapName + sep, nil
}

// checkSegment validates a k1 or map name: non-empty and free of separators.
func checkSegment(dataType, s string) error {
	if s == "" || strings.Contains(s, sep) {
		return common.NewStoreErr(dataType, common.InvalidKey, s)
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil if there is none.
func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
