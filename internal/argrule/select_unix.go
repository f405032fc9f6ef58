//go:build !windows

package argrule

// Select always returns Generic on non-Windows platforms: the
// batch-script/PowerShell quoting rules exist solely to work around
// cmd.exe's and powershell.exe's argument parsing, neither of which is
// reachable outside Windows.
func Select(command string) Rule {
	return Generic{}
}
