package discovery

import (
	"fmt"
	"slices"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeApproverTXT creates the TXT records for an approver.
func EncodeApproverTXT(info *ApproverInfo) TXTRecordMap {
	txt := TXTRecordMap{TXTKeyVersion: ProtocolVersion}
	if info.Name != "" {
		txt[TXTKeyName] = info.Name
	}
	return txt
}

// DecodeApproverTXT parses approver TXT records.
func DecodeApproverTXT(txt TXTRecordMap) (version, name string, err error) {
	version, ok := txt[TXTKeyVersion]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	if version != ProtocolVersion {
		return "", "", fmt.Errorf("%w: %q", ErrVersionMismatch, version)
	}
	return version, txt[TXTKeyName], nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	slices.Sort(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if found {
			txt[k] = v
		} else if k != "" {
			// Key without value (boolean flag)
			txt[k] = ""
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
