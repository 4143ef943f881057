package launcher

import (
	"fmt"
	"reflect"
)

// displayOptions captures the qemu display-related flags that vary per
// launch: VNC is the conventional default instead of -nographic so a client
// can open a display console without killing and relaunching the process.
type displayOptions struct {
	Display string `flag:"-display"`
	Vnc     string `flag:"-vnc"`
}

// buildFlags walks a tagged struct and emits the flag/value pairs for every
// non-zero field, in declaration order, for use in an exec.Command argv.
func buildFlags[T any](s T) []string {
	var ret []string
	st := reflect.TypeOf(s)
	sv := reflect.ValueOf(s)
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		fv := sv.Field(i)
		flagName, ok := field.Tag.Lookup("flag")
		if !ok || fv.IsZero() {
			continue
		}
		ret = append(ret, flagName, fmt.Sprintf("%v", fv.Interface()))
	}
	return ret
}
