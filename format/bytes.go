// Package format renders quantities for log output.
package format

import "fmt"

const (
	KiloByte int64 = 1000
	MegaByte       = 1000 * KiloByte
	GigaByte       = 1000 * MegaByte
)

// HumanBytes renders a byte count with one decimal in decimal units. Block
// parameter sets top out in the gigabytes.
func HumanBytes(n int64) string {
	switch {
	case n >= GigaByte:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(GigaByte))
	case n >= MegaByte:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(MegaByte))
	case n >= KiloByte:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(KiloByte))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
