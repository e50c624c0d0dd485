package ivee

import "testing"

func TestCapabilitySetString(t *testing.T) {
	cases := []struct {
		c    CapabilitySet
		want string
	}{
		{0, "none"},
		{CapPageFaultHandling, "page-fault-handling"},
		{CapMemoryEncryption, "memory-encryption"},
		{CapPageFaultHandling | CapMemoryEncryption, "page-fault-handling|memory-encryption"},
	}

	for _, tc := range cases {
		if got := tc.c.String(); got != tc.want {
			t.Errorf("CapabilitySet(0x%x).String() = %q, want %q", uint64(tc.c), got, tc.want)
		}
	}
}

func TestListPlatformCapabilitiesIsEmpty(t *testing.T) {
	if caps := ListPlatformCapabilities(); caps != 0 {
		t.Fatalf("ListPlatformCapabilities() = %v, want none", caps)
	}
}

func TestCreateRejectsUnsupportedCapabilities(t *testing.T) {
	_, err := Create(CapPageFaultHandling)
	if err == nil {
		t.Fatalf("expected an error requesting an unimplemented capability")
	}
	if !isUnsupported(err) {
		t.Fatalf("err = %v, want a KindUnsupported error", err)
	}
}

func TestLoadExecutableRejectsUnsupportedFormat(t *testing.T) {
	// Construct an Environment without a backend: LoadExecutable validates
	// its format argument before touching e.env.
	env := &Environment{}
	err := env.LoadExecutable("/nonexistent", Format(99))
	if err == nil {
		t.Fatalf("expected an error for an unsupported format")
	}
	if !isUnsupported(err) {
		t.Fatalf("err = %v, want a KindUnsupported error", err)
	}
}

func TestCallRejectsNilState(t *testing.T) {
	env := &Environment{}
	if err := env.Call(nil); err == nil {
		t.Fatalf("expected an error calling with a nil state")
	}
}

func isUnsupported(err error) bool {
	var e *Error
	return asError(err, &e) && e.Kind == KindUnsupported
}

func isInvalidArgument(err error) bool {
	var e *Error
	return asError(err, &e) && e.Kind == KindInvalidArgument
}

func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
