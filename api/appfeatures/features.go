package appfeatures

import (
	"errors"
	"math/bits"
	"strings"
	"sync"
)

// Features describes a set of optional device feature sets.
type Features uint32

const (
	FeatureNone     Features = 0
	FeatureBattery  Features = 1 << iota
	FeatureTimeSync
	FeatureVibration
	FeatureNotifications
	FeatureFindDevice
	FeatureAppManagement
	FeatureTrainingLoad
	FeatureFirmwareInfo
	FeatureMeasurements
	FeatureHeightControl
	FeatureLighting

	featureLast
)

var featureNames = map[Features]string{
	FeatureBattery:       "battery",
	FeatureTimeSync:      "time-sync",
	FeatureVibration:     "vibration",
	FeatureNotifications: "notifications",
	FeatureFindDevice:    "find-device",
	FeatureAppManagement: "app-management",
	FeatureTrainingLoad:  "training-load",
	FeatureFirmwareInfo:  "firmware-info",
	FeatureMeasurements:  "measurements",
	FeatureHeightControl: "height-control",
	FeatureLighting:      "lighting",
}

// Has reports whether all features in f are present.
func (fs Features) Has(f Features) bool {
	return fs&f == f
}

// Count returns the number of features in the set.
func (fs Features) Count() int {
	return bits.OnesCount32(uint32(fs))
}

// Slice lists each individual feature present in the set.
func (fs Features) Slice() []Features {
	var s []Features
	for f := FeatureBattery; f < featureLast; f <<= 1 {
		if fs.Has(f) {
			s = append(s, f)
		}
	}

	return s
}

// AbsentFeatures lists every known feature not present in the set.
func (fs Features) AbsentFeatures() []Features {
	var s []Features
	for f := FeatureBattery; f < featureLast; f <<= 1 {
		if !fs.Has(f) {
			s = append(s, f)
		}
	}

	return s
}

// String converts the feature set to a comma separated list of names.
func (fs Features) String() string {
	if fs == FeatureNone {
		return "none"
	}

	names := make([]string, 0, fs.Count())
	for _, f := range fs.Slice() {
		names = append(names, featureNames[f])
	}

	return strings.Join(names, ",")
}

// FeatureError pairs a feature with the reason it is unavailable.
type FeatureError struct {
	Feature Features
	Err     error
}

// NewError returns a new FeatureError.
func NewError(f Features, err error) FeatureError {
	return FeatureError{Feature: f, Err: err}
}

func (e FeatureError) Error() string {
	return e.Feature.String() + ": " + e.Err.Error()
}

func (e FeatureError) Unwrap() error {
	return e.Err
}

// Errors collects per-feature errors.
type Errors struct {
	errs []FeatureError

	mu sync.Mutex
}

// Append adds errors to the collection.
func (e *Errors) Append(errs ...FeatureError) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.errs = append(e.errs, errs...)
}

// Exists reports whether an error was recorded for the feature.
func (e *Errors) Exists(f Features) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, fe := range e.errs {
		if fe.Feature == f {
			return true
		}
	}

	return false
}

// Err joins all recorded errors, or returns nil.
func (e *Errors) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.errs) == 0 {
		return nil
	}

	joined := make([]error, 0, len(e.errs))
	for _, fe := range e.errs {
		joined = append(joined, fe)
	}

	return errors.Join(joined...)
}

// FeatureSet describes the supported features of a device family, along
// with the reasons any remaining features are unavailable.
type FeatureSet struct {
	Supported Features
	Errors    *Errors
}

// NewFeatureSet returns a new FeatureSet.
func NewFeatureSet(supported Features, errs *Errors) FeatureSet {
	if errs == nil {
		errs = &Errors{}
	}

	return FeatureSet{Supported: supported, Errors: errs}
}

// NilFeatureSet returns an empty feature set.
func NilFeatureSet() FeatureSet {
	return NewFeatureSet(FeatureNone, nil)
}

// Has reports whether the feature is supported.
func (f FeatureSet) Has(feature Features) bool {
	return f.Supported.Has(feature)
}
