package utils

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var tezosPrefixes = []string{"tz1", "tz2", "tz3", "tz4", "KT1"}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	} else {
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ValidateEVMAddress validates 0x-prefixed EVM address format
func ValidateEVMAddress(address string) bool {
	if !strings.HasPrefix(address, "0x") {
		return false
	}

	addr := address[2:]

	// 20 bytes = 40 hex characters
	if len(addr) != 40 {
		return false
	}

	_, err := hex.DecodeString(addr)
	return err == nil
}

// ValidateTezosAddress validates implicit (tz1-4) and originated (KT1) address format
func ValidateTezosAddress(address string) bool {
	if len(address) != 36 {
		return false
	}

	hasPrefix := false
	for _, p := range tezosPrefixes {
		if strings.HasPrefix(address, p) {
			hasPrefix = true
			break
		}
	}
	if !hasPrefix {
		return false
	}

	for _, c := range address {
		if !strings.ContainsRune(base58Alphabet, c) {
			return false
		}
	}
	return true
}

// ValidateAddress accepts either an EVM or a Tezos address
func ValidateAddress(address string) bool {
	return ValidateEVMAddress(address) || ValidateTezosAddress(address)
}

// NormalizeAddress lowercases EVM addresses; Tezos addresses are case sensitive
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		return "0x" + strings.ToLower(address[2:])
	}
	return address
}

// SameAddress compares two addresses after normalization
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}

// BigIntToString safely converts big.Int to string
func BigIntToString(bi *big.Int) string {
	if bi == nil {
		return "0"
	}
	return bi.String()
}

// StringToBigInt safely converts string to big.Int
func StringToBigInt(s string) *big.Int {
	bi, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return bi
}

// ScaleAmount converts a raw integer token amount to its decimal value
func ScaleAmount(raw *big.Int, decimals uint8) *big.Float {
	if raw == nil {
		return big.NewFloat(0)
	}

	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Float).Quo(new(big.Float).SetInt(raw), new(big.Float).SetInt(unit))
}

// FormatAmount renders a raw token amount with the given number of decimals
func FormatAmount(raw *big.Int, decimals uint8) string {
	return ScaleAmount(raw, decimals).Text('f', int(decimals))
}

// TruncateString truncates string to specified length
func TruncateString(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length] + "..."
}

// MinDuration returns the smaller of two durations
func MinDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
