package redemption

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// VoucherGenerator produces candidate voucher codes. Uniqueness is enforced by the
// engine and the store, not by the generator.
type VoucherGenerator func() (string, error)

var voucherEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// RandomVoucherCodes returns a generator of codes like WLK-7QXM-K2DA-PZ4N-8HCB.
// Each code carries 80 bits from crypto/rand.
func RandomVoucherCodes(prefix string) VoucherGenerator {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	return func() (string, error) {
		var raw [10]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return "", fmt.Errorf("failed to read voucher entropy: %w", err)
		}
		body := voucherEncoding.EncodeToString(raw[:])

		var b strings.Builder
		if prefix != "" {
			b.WriteString(prefix)
			b.WriteByte('-')
		}
		for i := 0; i < len(body); i += 4 {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteString(body[i : i+4])
		}
		return b.String(), nil
	}
}
