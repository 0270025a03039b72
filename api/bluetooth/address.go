package bluetooth

import (
	"encoding/hex"
	"strings"

	"github.com/bluetuith-org/api-devices/api/errorkinds"
)

// MacAddress describes a Bluetooth device address.
type MacAddress [6]byte

// ParseMAC parses an address in the form "AA:BB:CC:DD:EE:FF".
func ParseMAC(address string) (MacAddress, error) {
	var mac MacAddress

	parts := strings.Split(address, ":")
	if len(parts) != len(mac) {
		return mac, errorkinds.ErrInvalidAddress
	}

	for i, part := range parts {
		if len(part) != 2 {
			return mac, errorkinds.ErrInvalidAddress
		}

		b, err := hex.DecodeString(part)
		if err != nil {
			return mac, errorkinds.ErrInvalidAddress
		}

		mac[i] = b[0]
	}

	return mac, nil
}

// String converts the address to its colon separated form.
func (m MacAddress) String() string {
	sb := strings.Builder{}
	sb.Grow(17)

	for i, b := range m {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{b})))
	}

	return sb.String()
}

// IsZero reports whether the address is unset.
func (m MacAddress) IsZero() bool {
	return m == MacAddress{}
}
