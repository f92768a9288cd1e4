// Package lutron implements Stargate's LutronGateway (spec.md §4.7): an XML
// layout loader for a RadioRa2 repeater's DbXmlInfo.xml, a telnet-like
// repeater session, and a stale-value output/button/LED cache.
package lutron

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// OutputKind is the modeled output device type, mapped from the XML
// OutputType attribute per spec.md §4.7.
type OutputKind int

const (
	OutputDimmed OutputKind = iota
	OutputSwitched
	OutputShade
	OutputContactClosure
)

// DeviceKind is the modeled keypad/control device type, mapped from the
// XML DeviceType attribute.
type DeviceKind int

const (
	DeviceKeypad DeviceKind = iota
	DeviceRemoteKeypad
	DeviceRepeaterKeypad
	DeviceMotionSensor
)

// outputTypeMap maps Lutron's XML OutputType strings to OutputKind, per
// spec.md §4.7.
var outputTypeMap = map[string]OutputKind{
	"INC":            OutputDimmed,
	"NON_DIM":        OutputSwitched,
	"SYSTEM_SHADE":   OutputShade,
	"CCO_PULSED":     OutputContactClosure,
	"CCO_MAINTAINED": OutputContactClosure,
}

// deviceTypeMap maps Lutron's XML DeviceType strings to DeviceKind.
var deviceTypeMap = map[string]DeviceKind{
	"SEETOUCH_KEYPAD":          DeviceKeypad,
	"SEETOUCH_TABLETOP_KEYPAD": DeviceKeypad,
	"HYBRID_SEETOUCH_KEYPAD":   DeviceKeypad,
	"PICO_KEYPAD":              DeviceRemoteKeypad,
	"VISOR_CONTROL_RECEIVER":   DeviceRepeaterKeypad,
	"MAIN_REPEATER":            DeviceRepeaterKeypad,
	"MOTION_SENSOR":            DeviceMotionSensor,
}

// Button-label fallback tables for well-known fixed-button keypad models,
// consulted when the XML Engraving attribute is empty (spec.md §4.7,
// carried from ra_layout.py's button-label fallback table).
var picoButtonNames = map[string]string{
	"2": "Top",
	"3": "Middle",
	"4": "Bottom",
	"5": "Raise",
	"6": "Lower",
}

var seeTouchColumnNames = map[string]string{
	"16": "Raise",
	"17": "Lower",
}

// xmlProject is the root of DbXmlInfo.xml.
type xmlProject struct {
	XMLName xml.Name  `xml:"Project"`
	Areas   []xmlArea `xml:"Areas>Area"`
}

type xmlArea struct {
	Name          string      `xml:"Name,attr"`
	IntegrationID string      `xml:"IntegrationID,attr"`
	Outputs       []xmlOutput `xml:"Outputs>Output"`
	Devices       []xmlDevice `xml:"DeviceGroups>DeviceGroup>Devices>Device"`
	SubAreas      []xmlArea   `xml:"Areas>Area"`
}

type xmlOutput struct {
	Name          string `xml:"Name,attr"`
	IntegrationID string `xml:"IntegrationID,attr"`
	OutputType    string `xml:"OutputType,attr"`
}

type xmlDevice struct {
	Name          string         `xml:"Name,attr"`
	IntegrationID string         `xml:"IntegrationID,attr"`
	DeviceType    string         `xml:"DeviceType,attr"`
	Components    []xmlComponent `xml:"Components>Component"`
}

type xmlComponent struct {
	ComponentNumber string     `xml:"ComponentNumber,attr"`
	ComponentType   string     `xml:"ComponentType,attr"`
	Button          *xmlButton `xml:"Button"`
}

type xmlButton struct {
	Engraving string `xml:"Engraving,attr"`
	Name      string `xml:"Name,attr"`
}

// Output is a modeled Lutron controllable output.
type Output struct {
	IID    int
	Name   string
	Kind   OutputKind
	Pulsed bool // true only for CCO_PULSED
	Area   string
}

// Button is one pressable component of a keypad, with its paired LED
// component id if one exists (button id + 80, per spec.md §4.7).
type Button struct {
	ComponentID int
	Label       string
	LEDID       int  // 0 if HasLED is false
	HasLED      bool
}

// Device is a modeled Lutron keypad/control device.
type Device struct {
	IID     int
	Name    string
	Kind    DeviceKind
	Area    string
	Buttons []Button
}

// Layout is the parsed result of a DbXmlInfo.xml document.
type Layout struct {
	Outputs []Output
	Devices []Device
}

// ParseLayout parses a DbXmlInfo.xml document into a Layout. "Root Area"
// entries are skipped per spec.md §4.7.
func ParseLayout(data []byte) (*Layout, error) {
	var proj xmlProject
	if err := xml.Unmarshal(data, &proj); err != nil {
		return nil, fmt.Errorf("parse DbXmlInfo.xml: %w", err)
	}

	l := &Layout{}
	var walk func(areas []xmlArea)
	walk = func(areas []xmlArea) {
		for _, a := range areas {
			if a.Name != "Root Area" {
				l.addArea(a)
			}
			walk(a.SubAreas)
		}
	}
	walk(proj.Areas)
	return l, nil
}

func (l *Layout) addArea(a xmlArea) {
	for _, o := range a.Outputs {
		iid, err := strconv.Atoi(o.IntegrationID)
		if err != nil {
			continue
		}
		kind, ok := outputTypeMap[o.OutputType]
		if !ok {
			kind = OutputSwitched
		}
		l.Outputs = append(l.Outputs, Output{
			IID:    iid,
			Name:   o.Name,
			Kind:   kind,
			Pulsed: o.OutputType == "CCO_PULSED",
			Area:   a.Name,
		})
	}
	for _, d := range a.Devices {
		iid, err := strconv.Atoi(d.IntegrationID)
		if err != nil {
			continue
		}
		kind, ok := deviceTypeMap[d.DeviceType]
		if !ok {
			kind = DeviceKeypad
		}
		l.Devices = append(l.Devices, Device{
			IID:     iid,
			Name:    d.Name,
			Kind:    kind,
			Area:    a.Name,
			Buttons: buildButtons(d),
		})
	}
}

func buildButtons(d xmlDevice) []Button {
	ledIDs := make(map[int]bool)
	for _, c := range d.Components {
		if c.ComponentType == "LED" {
			if n, err := strconv.Atoi(c.ComponentNumber); err == nil {
				ledIDs[n] = true
			}
		}
	}

	var buttons []Button
	for _, c := range d.Components {
		if c.ComponentType != "Button" {
			continue
		}
		cid, err := strconv.Atoi(c.ComponentNumber)
		if err != nil {
			continue
		}
		b := Button{ComponentID: cid, Label: buttonLabel(d, c)}
		if ledIDs[cid+80] {
			b.LEDID = cid + 80
			b.HasLED = true
		}
		buttons = append(buttons, b)
	}
	return buttons
}

// buttonLabel resolves a button's display name: Engraving if non-empty,
// else a fixed-name fallback table for well-known keypad models, else the
// XML Name attribute (spec.md §4.7).
func buttonLabel(d xmlDevice, c xmlComponent) string {
	if c.Button != nil && c.Button.Engraving != "" {
		return c.Button.Engraving
	}
	switch d.DeviceType {
	case "PICO_KEYPAD":
		if name, ok := picoButtonNames[c.ComponentNumber]; ok {
			return name
		}
	case "SEETOUCH_KEYPAD", "SEETOUCH_TABLETOP_KEYPAD", "HYBRID_SEETOUCH_KEYPAD":
		if name, ok := seeTouchColumnNames[c.ComponentNumber]; ok {
			return name
		}
	}
	if c.Button != nil && c.Button.Name != "" {
		return c.Button.Name
	}
	return fmt.Sprintf("Button %s", c.ComponentNumber)
}

// ApplyIgnoreList empties the buttons (and thus LEDs) of keypads whose iid
// appears in ignoreIIDs, so they are not cached, per spec.md §4.7.
func (l *Layout) ApplyIgnoreList(ignoreIIDs []int) {
	ignore := make(map[int]bool, len(ignoreIIDs))
	for _, iid := range ignoreIIDs {
		ignore[iid] = true
	}
	for i := range l.Devices {
		if ignore[l.Devices[i].IID] {
			l.Devices[i].Buttons = nil
		}
	}
}
