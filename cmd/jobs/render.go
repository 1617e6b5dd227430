package jobs

import (
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/jonesrussell/north-cloud/harvester/cmd/common"
	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// RenderJobs writes jobs as a table.
func RenderJobs(out io.Writer, jobs []*domain.Job) {
	t := common.NewTable(out, "ID", "Type", "Status", "Attempts", "User", "Enqueued", "Error")
	for _, j := range jobs {
		t.AppendRow(table.Row{
			j.ID,
			j.Type,
			j.Status,
			formatAttempts(j),
			j.UserID,
			j.EnqueuedAt.UTC().Format("2006-01-02 15:04:05"),
			common.Deref(j.ErrorKind),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "Total", len(jobs)})
	t.Render()
}

func formatAttempts(j *domain.Job) string {
	return strconv.Itoa(j.Attempts) + "/" + strconv.Itoa(j.MaxAttempts)
}
