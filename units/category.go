package units

import "strings"

// Category is a coarse unit family
type Category uint8

const (
	// CategoryUnknown is a category reported by the server which is not known
	// here; the raw name is kept in Spec.CategoryName.
	CategoryUnknown Category = iota
	CategoryNone
	CategorySpeed
	CategoryWindSpeed
	CategoryDistance
	CategoryDepth
	CategoryLength
	CategoryTemperature
	CategoryAngle
	CategoryAngularVelocity
	CategoryPressure
	CategoryVolume
	CategoryVolumeRate
	CategoryPercentage
	CategoryFrequency
	CategoryVoltage
	CategoryCurrent
	CategoryPower
	CategoryEnergy
	CategoryCharge
	CategoryTime
	CategoryMass
)

type categoryInfo struct {
	name     string
	baseUnit string
}

var categories = map[Category]categoryInfo{
	CategoryNone:            {"none", ""},
	CategorySpeed:           {"speed", "m/s"},
	CategoryWindSpeed:       {"windSpeed", "m/s"},
	CategoryDistance:        {"distance", "m"},
	CategoryDepth:           {"depth", "m"},
	CategoryLength:          {"length", "m"},
	CategoryTemperature:     {"temperature", "K"},
	CategoryAngle:           {"angle", "rad"},
	CategoryAngularVelocity: {"angularVelocity", "rad/s"},
	CategoryPressure:        {"pressure", "Pa"},
	CategoryVolume:          {"volume", "m3"},
	CategoryVolumeRate:      {"volumeRate", "m3/s"},
	CategoryPercentage:      {"percentage", "ratio"},
	CategoryFrequency:       {"frequency", "Hz"},
	CategoryVoltage:         {"voltage", "V"},
	CategoryCurrent:         {"current", "A"},
	CategoryPower:           {"power", "W"},
	CategoryEnergy:          {"energy", "J"},
	CategoryCharge:          {"charge", "C"},
	CategoryTime:            {"time", "s"},
	CategoryMass:            {"mass", "kg"},
}

var categoryByName = func() map[string]Category {
	m := make(map[string]Category, len(categories))
	for c, info := range categories {
		m[strings.ToLower(info.name)] = c
	}
	return m
}()

// ParseCategory maps a server category name to a Category
//
// An empty name is CategoryNone, unrecognised names are CategoryUnknown.
func ParseCategory(name string) Category {
	if name == "" {
		return CategoryNone
	}
	if c, ok := categoryByName[strings.ToLower(name)]; ok {
		return c
	}
	return CategoryUnknown
}

func (c Category) String() string {
	if info, ok := categories[c]; ok {
		return info.name
	}
	return "unknown"
}

// BaseUnit is the SI unit values of this category are transmitted in
func (c Category) BaseUnit() string {
	return categories[c].baseUnit
}
