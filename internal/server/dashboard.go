package server

import (
	"html/template"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"smartdip/internal/ops"
	"smartdip/internal/storage"
)

// dashboardData is what the index page renders.
type dashboardData struct {
	Operations  int
	Categories  []categoryRow
	Runs        []runRow
	Uploads     int
	UploadBytes string
	QueueActive bool
}

type categoryRow struct {
	Name  string
	Names []string
}

type runRow struct {
	storage.RunRecord
	Age string
}

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>smartdip</title>
<style>
body { font-family: sans-serif; background: #0f172a; color: #f8fafc; margin: 2rem; }
h1 { color: #3b82f6; }
table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
td, th { border-bottom: 1px solid #475569; padding: .3rem .6rem; text-align: left; }
.completed { color: #10b981; } .failed { color: #ef4444; } .running, .queued { color: #f59e0b; }
#events { font-family: monospace; background: #1e293b; padding: 1rem; height: 14rem; overflow-y: auto; }
</style>
</head>
<body>
<h1>smartdip</h1>
<p>{{.Operations}} operations, {{.Uploads}} uploads ({{.UploadBytes}}), queue {{if .QueueActive}}running{{else}}disabled{{end}}</p>

<h2>Operations</h2>
<table>
{{range .Categories}}<tr><th>{{.Name}}</th><td>{{range $i, $n := .Names}}{{if $i}}, {{end}}{{$n}}{{end}}</td></tr>
{{end}}</table>

<h2>Recent runs</h2>
<table>
<tr><th>ID</th><th>Source</th><th>Operations</th><th>Status</th><th>Duration</th><th>Created</th></tr>
{{range .Runs}}<tr><td>{{.ID}}</td><td>{{.Source}}</td><td>{{range $i, $o := .Operations}}{{if $i}} &rarr; {{end}}{{$o}}{{end}}</td>
<td class="{{.Status}}">{{.Status}}{{if .FailedOperation}} at {{.FailedOperation}}{{end}}</td><td>{{.Duration}}</td><td>{{.Age}}</td></tr>
{{else}}<tr><td colspan="6">no runs yet</td></tr>
{{end}}</table>

<h2>Live events</h2>
<div id="events"></div>
<script>
const log = document.getElementById("events");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (msg) => {
  const line = document.createElement("div");
  line.textContent = new Date().toLocaleTimeString() + " " + msg.data;
  log.prepend(line);
};
</script>
</body>
</html>
`))

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := dashboardData{
		Operations:  s.registry.Len(),
		QueueActive: s.queue != nil,
	}

	byCategory := s.registry.ByCategory()
	for _, c := range ops.Categories {
		if names := byCategory[c]; len(names) > 0 {
			data.Categories = append(data.Categories, categoryRow{Name: string(c), Names: names})
		}
	}

	var total int64
	if s.store != nil {
		runs, err := s.store.RecentRuns(10)
		if err != nil {
			s.log.Warn("dashboard runs", "error", err)
		}
		for _, run := range runs {
			run.Duration = run.Duration.Round(time.Millisecond)
			data.Runs = append(data.Runs, runRow{RunRecord: run, Age: humanize.Time(run.CreatedAt)})
		}

		// A negative limit lifts the SQLite LIMIT.
		uploads, err := s.store.Uploads(-1)
		if err != nil {
			s.log.Warn("dashboard uploads", "error", err)
		}
		for _, u := range uploads {
			total += u.SizeBytes
		}
		data.Uploads = len(uploads)
	}
	data.UploadBytes = humanize.Bytes(uint64(total))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		s.log.Error("render dashboard", "error", err)
	}
}
