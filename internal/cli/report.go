package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"geoattend/internal/attendance"
	"geoattend/internal/model"
)

var subjectCmd = &cobra.Command{
	Use:   "subject",
	Short: "Inspect enrolled subjects",
}

var subjectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled subjects",
	Args:  cobra.NoArgs,
	RunE:  runSubjectList,
}

var attendanceCmd = &cobra.Command{
	Use:   "attendance",
	Short: "Inspect the attendance log",
}

var attendanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accepted attendance events, newest first",
	Long: `List accepted attendance events. Times are shown in DISPLAY_TIMEZONE.

Example:
  geoattendctl attendance list --zone "Room 101" --limit 20`,
	Args: cobra.NoArgs,
	RunE: runAttendanceList,
}

func init() {
	rootCmd.AddCommand(subjectCmd, attendanceCmd)
	subjectCmd.AddCommand(subjectListCmd)
	attendanceCmd.AddCommand(attendanceListCmd)

	attendanceListCmd.Flags().String("zone", "", "Only events in this zone (by name)")
	attendanceListCmd.Flags().String("subject", "", "Only events of this subject ID")
	attendanceListCmd.Flags().Int("limit", 50, "Maximum number of events")
	attendanceListCmd.Flags().Int("offset", 0, "Offset for pagination")
}

func runSubjectList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	_, db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	subjects, err := attendance.NewRepository(db).ListSubjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subjects: %w", err)
	}
	printSubjects(cmd.OutOrStdout(), subjects)
	return nil
}

func runAttendanceList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, db, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	loc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		return fmt.Errorf("invalid DISPLAY_TIMEZONE: %w", err)
	}

	events, err := attendance.NewRepository(db).ListEvents(ctx, model.EventFilter{
		ZoneName:  mustGetString(cmd, "zone"),
		SubjectID: mustGetString(cmd, "subject"),
		Limit:     mustGetInt(cmd, "limit"),
		Offset:    mustGetInt(cmd, "offset"),
	})
	if err != nil {
		return fmt.Errorf("failed to list attendance: %w", err)
	}
	printEvents(cmd.OutOrStdout(), events, loc)
	return nil
}

func printSubjects(out io.Writer, subjects []model.Subject) {
	if len(subjects) == 0 {
		fmt.Fprintln(out, "No subjects enrolled.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENROLLED\tMIRRORED")
	fmt.Fprintln(w, "--\t----\t--------\t--------")
	for _, s := range subjects {
		mirrored := "no"
		if s.ReferenceURL != nil {
			mirrored = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.CreatedAt.UTC().Format(time.RFC3339), mirrored)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d subjects\n", len(subjects))
}

func printEvents(out io.Writer, events []model.Event, loc *time.Location) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No attendance events found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSUBJECT\tZONE\tSTATUS\tDISTANCE")
	fmt.Fprintln(w, "----\t-------\t----\t------\t--------")
	for _, e := range events {
		distance := "-"
		if e.Distance != nil {
			distance = fmt.Sprintf("%.4f", *e.Distance)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.OccurredAt.In(loc).Format("2006-01-02 15:04:05 MST"), e.SubjectID, e.ZoneName, e.Status, distance)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d events\n", len(events))
}
