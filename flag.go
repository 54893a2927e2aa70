package flashkv

// Flash bits program from the erased value (1) toward 0 and never back, so a
// flag is "set" by clearing its bit. Helpers are named for that direction.

func program(b, flag uint8) uint8   { return b &^ flag }
func programmed(b, flag uint8) bool { return b&flag == 0 }
func pristine(b, flag uint8) bool   { return b&flag == flag }
