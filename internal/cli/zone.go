package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"geoattend/internal/attendance"
	"geoattend/internal/model"
)

var zoneCmd = &cobra.Command{
	Use:   "zone",
	Short: "Manage classroom zones",
}

var zoneSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create a zone or replace its rectangle",
	Long: `Set the latitude/longitude rectangle of a classroom. The two corners
may be given in any order.

Example:
  geoattendctl zone set "Room 101" --lat-a 12.9716 --lat-b 12.9720 --lon-a 77.5946 --lon-b 77.5952`,
	Args: cobra.ExactArgs(1),
	RunE: runZoneSet,
}

var zoneListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured zones",
	Args:  cobra.NoArgs,
	RunE:  runZoneList,
}

func init() {
	rootCmd.AddCommand(zoneCmd)
	zoneCmd.AddCommand(zoneSetCmd, zoneListCmd)

	for _, f := range []string{"lat-a", "lat-b", "lon-a", "lon-b"} {
		zoneSetCmd.Flags().Float64(f, 0, "Rectangle corner coordinate")
		_ = zoneSetCmd.MarkFlagRequired(f)
	}
}

func runZoneSet(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	latA, latB := mustGetFloat64(cmd, "lat-a"), mustGetFloat64(cmd, "lat-b")
	lonA, lonB := mustGetFloat64(cmd, "lon-a"), mustGetFloat64(cmd, "lon-b")
	if err := checkRectangle(name, latA, latB, lonA, lonB); err != nil {
		return err
	}

	ctx := cmd.Context()
	_, db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	zone, err := attendance.NewRepository(db).UpsertZone(ctx, name, latA, latB, lonA, lonB)
	if err != nil {
		return fmt.Errorf("failed to save zone: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Zone %s saved (id %s)\n", zone.Name, zone.ID)
	return nil
}

func runZoneList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	_, db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	zones, err := attendance.NewRepository(db).ListZones(ctx)
	if err != nil {
		return fmt.Errorf("failed to list zones: %w", err)
	}
	printZones(cmd.OutOrStdout(), zones)
	return nil
}

func checkRectangle(name string, latA, latB, lonA, lonB float64) error {
	if name == "" || len(name) > 100 {
		return fmt.Errorf("zone name must be 1-100 characters")
	}
	for _, lat := range []float64{latA, latB} {
		if lat < -90 || lat > 90 {
			return fmt.Errorf("latitude %v out of range", lat)
		}
	}
	for _, lon := range []float64{lonA, lonB} {
		if lon < -180 || lon > 180 {
			return fmt.Errorf("longitude %v out of range", lon)
		}
	}
	return nil
}

func printZones(out io.Writer, zones []model.Zone) {
	if len(zones) == 0 {
		fmt.Fprintln(out, "No zones configured.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLATITUDE\tLONGITUDE")
	fmt.Fprintln(w, "--\t----\t--------\t---------")
	for _, z := range zones {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", z.ID, z.Name, span(z.LatA, z.LatB), span(z.LonA, z.LonB))
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d zones\n", len(zones))
}

func span(a, b *float64) string {
	if a == nil || b == nil {
		return "unset"
	}
	return fmt.Sprintf("%.6f..%.6f", *a, *b)
}
