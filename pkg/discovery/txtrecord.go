package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// BridgeInfo is the content of a bridge announcement.
type BridgeInfo struct {
	InstanceName string
	ID           string
	Broker       string
	Prefix       string
	Version      string
	CallbackPort int

	// Addresses are filled in by browsing.
	Addresses []string
}

// EncodeBridgeTXT creates TXT records for a bridge announcement.
func EncodeBridgeTXT(info *BridgeInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyID:     info.ID,
		TXTKeyBroker: info.Broker,
		TXTKeyPrefix: info.Prefix,
	}
	if info.Version != "" {
		txt[TXTKeyVersion] = info.Version
	}
	if info.CallbackPort > 0 {
		txt[TXTKeyCallback] = strconv.Itoa(info.CallbackPort)
	}
	return txt
}

// DecodeBridgeTXT parses TXT records of a bridge announcement.
func DecodeBridgeTXT(txt TXTRecordMap) (*BridgeInfo, error) {
	info := &BridgeInfo{}
	var ok bool

	if info.ID, ok = txt[TXTKeyID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyID)
	}
	if info.Prefix, ok = txt[TXTKeyPrefix]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyPrefix)
	}
	info.Broker = txt[TXTKeyBroker]
	info.Version = txt[TXTKeyVersion]
	if cb, ok := txt[TXTKeyCallback]; ok {
		port, err := strconv.Atoi(cb)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid %s record %q", TXTKeyCallback, cb)
		}
		info.CallbackPort = port
	}
	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else if parts[0] != "" {
			// Key without value (boolean flag)
			txt[parts[0]] = ""
		}
	}
	return txt
}

// ValidateInstanceName checks an instance name against DNS label rules.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidInstance)
	}
	if len(name) > MaxInstanceNameLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidInstance, MaxInstanceNameLen)
	}
	return nil
}
