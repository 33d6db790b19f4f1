//go:build !linux

package disk

// Host volume access is only implemented for Linux block devices.
func OpenVolume(path string, readOnly bool, cfg *Config) (GenericFD, error) {
	return nil, ErrUnsupportedAccess
}
