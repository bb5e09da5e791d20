package ard

import "fmt"

// Mission is the four character sensor/satellite prefix of a product ID.
type Mission string

// Supported missions.
const (
	LT04 Mission = "LT04"
	LT05 Mission = "LT05"
	LE07 Mission = "LE07"
	LC08 Mission = "LC08"
)

// Missions lists every supported mission in inventory scan order.
var Missions = []Mission{LT04, LT05, LE07, LC08}

// Family groups missions that share a band layout and processing profile.
type Family string

// Mission families.
const (
	FamilyTM      Family = "tm"
	FamilyETM     Family = "etm"
	FamilyOLITIRS Family = "oli_tirs"
)

// ParseMission validates s as a supported mission.
func ParseMission(s string) (Mission, error) {
	for _, m := range Missions {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unsupported mission %q", s)
}

// Family returns the profile family for the mission.
func (m Mission) Family() Family {
	switch m {
	case LT04, LT05:
		return FamilyTM
	case LE07:
		return FamilyETM
	case LC08:
		return FamilyOLITIRS
	}
	return ""
}

// HasCirrus reports whether the sensor carries cirrus and terrain occlusion QA bits.
func (m Mission) HasCirrus() bool {
	return m == LC08
}
