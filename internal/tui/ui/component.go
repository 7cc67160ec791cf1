package ui

// MenuHint describes a keyboard shortcut for display in the menu bar.
type MenuHint struct {
	Key         string
	Description string
}
