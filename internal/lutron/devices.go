package lutron

import "context"

// KeypadButton is a single pressable component of a keypad/remote/repeater device,
// with an optional paired LED. Unlike outputs and keypads it is not itself a
// devicemodel.Device — the original object model treats buttons as a plain
// helper hanging off their owning keypad (spec.md §4.7).
type KeypadButton struct {
	gw     *Gateway
	iid    int
	Label  string
	CID    int
	LEDCID int
	HasLED bool
}

// State blocks until the button's press state is known, per spec.md §4.7's
// stale-cache semantics.
func (b *KeypadButton) State(ctx context.Context) (bool, error) {
	return b.gw.getButtonState(ctx, b.iid, b.CID)
}

// SetState presses or releases the button.
func (b *KeypadButton) SetState(pressed bool) error {
	return b.gw.SetButtonState(b.iid, b.CID, pressed)
}

// LEDState blocks until the paired LED's state is known. Only valid if
// HasLED is true.
func (b *KeypadButton) LEDState(ctx context.Context) (bool, error) {
	if !b.HasLED {
		return false, errNoLED
	}
	return b.gw.getLEDState(ctx, b.iid, b.LEDCID)
}

// SetLEDState turns the paired LED on or off. Only valid if HasLED is true.
func (b *KeypadButton) SetLEDState(on bool) error {
	if !b.HasLED {
		return errNoLED
	}
	return b.gw.SetLedState(b.iid, b.LEDCID, on)
}
