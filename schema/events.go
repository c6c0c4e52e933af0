package schema

// TabOutputEvent carries raw bytes captured from a tab's window. Output
// within one tab is ordered; there is no ordering guarantee across tabs.
type TabOutputEvent struct {
	TabID TabID
	Data  []byte
}

// TabExitEvent reports that a tab's capture subprocess exited, ending the
// tab. ExitCode defaults to 0 when unavailable.
type TabExitEvent struct {
	TabID    TabID
	ExitCode int
}

// TabErrorEvent reports a capture supervision error. It does not imply the
// tab ended.
type TabErrorEvent struct {
	TabID TabID
	Err   string
}
