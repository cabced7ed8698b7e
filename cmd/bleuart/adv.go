package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/bleuart/internal/adv"
	"github.com/srg/bleuart/internal/device"
	"golang.org/x/term"
)

var advCmd = &cobra.Command{
	Use:   "adv",
	Short: "Encode and decode advertising payloads",
}

var advEncodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Build an advertising payload and print it as hex",
	Long: `Build an advertising payload from a name, service UUIDs and an appearance
value. Records are emitted as flags, name, services, appearance.

Example:
  bleuart adv encode --name M5UiFlow --appearance 128`,
	Args: cobra.NoArgs,
	RunE: runAdvEncode,
}

var advDecodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a hex advertising payload",
	Long: `Decode a hex advertising payload (spaces and colons are ignored).

Example:
  bleuart adv decode 02010609094d355569466c6f7703198000`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdvDecode,
}

var (
	advName       string
	advServices   []string
	advAppearance uint16
	advLimited    bool
	advBREDR      bool
	advFormat     string
)

func init() {
	advEncodeCmd.Flags().StringVarP(&advName, "name", "n", "", "Complete local name")
	advEncodeCmd.Flags().StringSliceVarP(&advServices, "service", "s", nil, "Service UUID (repeatable)")
	advEncodeCmd.Flags().Uint16VarP(&advAppearance, "appearance", "a", 0, "GAP appearance (0 omits the record)")
	advEncodeCmd.Flags().BoolVar(&advLimited, "limited", false, "Limited discoverable mode")
	advEncodeCmd.Flags().BoolVar(&advBREDR, "br-edr", false, "Advertise BR/EDR support")

	advDecodeCmd.Flags().StringVarP(&advFormat, "output", "o", "text", "Output format (text, json)")

	advCmd.AddCommand(advEncodeCmd)
	advCmd.AddCommand(advDecodeCmd)
}

func runAdvEncode(cmd *cobra.Command, _ []string) error {
	f := adv.Fields{
		LimitedDiscoverable: advLimited,
		BREDR:               advBREDR,
		Name:                advName,
		Appearance:          advAppearance,
	}
	if len(advServices) > 0 {
		uuids, err := device.ValidateUUID(advServices...)
		if err != nil {
			return err
		}
		f.Services = uuids
	}

	cmd.SilenceUsage = true
	payload, err := adv.Encode(f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, hex.EncodeToString(payload))
	if len(payload) > adv.MaxLegacyPayload {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: payload is %d bytes, legacy advertising carries at most %d\n",
			len(payload), adv.MaxLegacyPayload)
	}
	return nil
}

type decodedRecord struct {
	Type   string `json:"type"`
	Length int    `json:"length"`
	Value  string `json:"value"`
}

type decodedPayload struct {
	Flags      *string         `json:"flags,omitempty"`
	FlagNames  []string        `json:"flag_names,omitempty"`
	Name       string          `json:"name,omitempty"`
	Services   []string        `json:"services,omitempty"`
	Appearance *uint16         `json:"appearance,omitempty"`
	Records    []decodedRecord `json:"records"`
	Error      string          `json:"error,omitempty"`

	uuids []ble.UUID
}

func parseHexPayload(args []string) ([]byte, error) {
	s := strings.Join(args, "")
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return b, nil
}

func decodePayload(b []byte) decodedPayload {
	var d decodedPayload

	recs, err := adv.Records(b)
	var protoErr *adv.ProtocolError
	if errors.As(err, &protoErr) {
		d.Error = FormatUserError(protoErr)
	}
	d.Records = make([]decodedRecord, 0, len(recs))
	for _, r := range recs {
		d.Records = append(d.Records, decodedRecord{
			Type:   fmt.Sprintf("0x%02x", r.Type),
			Length: len(r.Value) + 1,
			Value:  hex.EncodeToString(r.Value),
		})
	}

	if flags, ok := adv.DecodeFlags(b); ok {
		s := fmt.Sprintf("0x%02x", flags)
		d.Flags = &s
		d.FlagNames = flagNames(flags)
	}
	d.Name = adv.DecodeName(b)
	d.uuids = adv.DecodeServices(b)
	for _, u := range d.uuids {
		d.Services = append(d.Services, u.String())
	}
	if a, ok := adv.DecodeAppearance(b); ok {
		d.Appearance = &a
	}
	return d
}

func flagNames(f byte) []string {
	var names []string
	if f&adv.FlagLimitedDiscoverable != 0 {
		names = append(names, "limited discoverable")
	}
	if f&adv.FlagGeneralDiscoverable != 0 {
		names = append(names, "general discoverable")
	}
	if f&adv.FlagLEOnly != 0 {
		names = append(names, "LE only")
	}
	if f&adv.FlagBREDR != 0 {
		names = append(names, "BR/EDR")
	}
	return names
}

func runAdvDecode(cmd *cobra.Command, args []string) error {
	if advFormat != "text" && advFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [text json]", advFormat)
	}
	b, err := parseHexPayload(args)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	d := decodePayload(b)
	out := cmd.OutOrStdout()
	if advFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	return writeDecoded(out, d)
}

// useColor reports whether w is a terminal.
func useColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeDecoded(w io.Writer, d decodedPayload) error {
	label := color.New(color.FgCyan, color.Bold)
	value := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)
	if !useColor(w) {
		label.DisableColor()
		value.DisableColor()
		warn.DisableColor()
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		fmt.Fprintf(tw, "%s\t%s\n", label.Sprint(k), value.Sprint(v))
	}

	if d.Flags != nil {
		row("Flags:", fmt.Sprintf("%s (%s)", *d.Flags, strings.Join(d.FlagNames, ", ")))
	}
	if d.Name != "" {
		row("Name:", d.Name)
	}
	for _, u := range d.uuids {
		if name := ble.Name(u); name != "" {
			row("Service:", fmt.Sprintf("%s (%s)", u, name))
		} else {
			row("Service:", u.String())
		}
	}
	if d.Appearance != nil {
		row("Appearance:", fmt.Sprintf("%d (0x%04x)", *d.Appearance, *d.Appearance))
	}
	row("Records:", fmt.Sprintf("%d", len(d.Records)))
	if err := tw.Flush(); err != nil {
		return err
	}

	if d.Error != "" {
		fmt.Fprintln(w, warn.Sprint("warning: "+d.Error))
	}
	return nil
}
