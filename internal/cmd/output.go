package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	bold    = color.New(color.Bold)
	success = color.New(color.FgGreen)
	failure = color.New(color.FgRed)
	info    = color.New(color.FgCyan)
	warning = color.New(color.FgYellow)
)

func printSuccess(format string, args ...interface{}) {
	success.Fprintf(os.Stdout, "✓ "+format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	failure.Fprintf(os.Stderr, "✗ "+format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	info.Fprintf(os.Stdout, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warning.Fprintf(os.Stderr, "! "+format+"\n", args...)
}

// printResult prints v as JSON with --output json, or calls text otherwise
func printResult(v interface{}, text func()) error {
	if outputFmt == "json" {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}
	text()
	return nil
}

func formatValue(v interface{}) string {
	if v == nil {
		return color.New(color.Faint).Sprint("<absent>")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}
