package executor

import (
	"fmt"
	"strings"

	"github.com/TFMV/resync/pkg/core"
	"github.com/TFMV/resync/pkg/schema"
)

// Description is the DataX job document.
type Description struct {
	Job JobBody `json:"job"`
}

type JobBody struct {
	Setting Setting   `json:"setting"`
	Content []Content `json:"content"`
}

type Setting struct {
	Speed      Speed      `json:"speed"`
	ErrorLimit ErrorLimit `json:"errorLimit"`
}

type Speed struct {
	Channel int `json:"channel"`
}

type ErrorLimit struct {
	Record     int     `json:"record"`
	Percentage float64 `json:"percentage"`
}

type Content struct {
	Reader Plugin `json:"reader"`
	Writer Plugin `json:"writer"`
}

type Plugin struct {
	Name      string          `json:"name"`
	Parameter PluginParameter `json:"parameter"`
}

type PluginParameter struct {
	Username   string       `json:"username"`
	Password   string       `json:"password"`
	Column     []string     `json:"column"`
	Where      string       `json:"where,omitempty"`
	PreSQL     []string     `json:"preSql,omitempty"`
	WriteMode  string       `json:"writeMode,omitempty"`
	PKColumns  []string     `json:"pk_columns,omitempty"`
	Connection []Connection `json:"connection"`
}

// Connection holds the table and URL of a plugin. DataX readers take a list of URLs and writers
// a single one, hence the any.
type Connection struct {
	Table   []string `json:"table"`
	JDBCURL any      `json:"jdbcUrl"`
}

// JobOptions tune the generated document.
type JobOptions struct {
	Channel int

	// PreSQL runs on the target before the copy. TRUNCATE statements are rejected.
	PreSQL []string
}

// BuildDescription renders job as a DataX document.
func BuildDescription(job core.Job, opts JobOptions) (*Description, error) {
	reader, err := pluginName(job.Source.Kind, "reader")
	if err != nil {
		return nil, err
	}
	writer, err := pluginName(job.Target.Kind, "writer")
	if err != nil {
		return nil, err
	}
	srcURL, err := JDBCURL(job.Source)
	if err != nil {
		return nil, err
	}
	tgtURL, err := JDBCURL(job.Target)
	if err != nil {
		return nil, err
	}
	for _, stmt := range opts.PreSQL {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "TRUNCATE") {
			return nil, core.NewConfigurationError("executor.pre_sql", "truncate is not allowed before a repair")
		}
	}

	channel := opts.Channel
	if channel <= 0 {
		channel = 3
	}

	writerParam := PluginParameter{
		Username:   job.Target.User,
		Password:   job.Target.Password,
		Column:     job.TargetColumns,
		PreSQL:     opts.PreSQL,
		WriteMode:  string(job.WriteMode),
		Connection: []Connection{{Table: []string{job.Target.QualifiedTable()}, JDBCURL: tgtURL}},
	}
	if job.WriteMode == core.WriteModeUpdate {
		writerParam.PKColumns = job.PKColumns
	}

	return &Description{Job: JobBody{
		Setting: Setting{
			Speed:      Speed{Channel: channel},
			ErrorLimit: ErrorLimit{Record: 0, Percentage: 0.01},
		},
		Content: []Content{{
			Reader: Plugin{Name: reader, Parameter: PluginParameter{
				Username:   job.Source.User,
				Password:   job.Source.Password,
				Column:     job.SourceColumns,
				Where:      job.SourceFilter,
				Connection: []Connection{{Table: []string{job.Source.QualifiedTable()}, JDBCURL: []string{srcURL}}},
			}},
			Writer: Plugin{Name: writer, Parameter: writerParam},
		}},
	}}, nil
}

func pluginName(kind, role string) (string, error) {
	switch k := schema.NormalizeKind(kind); k {
	case "mysql", "postgresql", "sqlserver", "oracle":
		return k + role, nil
	default:
		return "", core.NewConfigurationError("kind", "no DataX %s for engine %q", role, kind)
	}
}

// JDBCURL returns the JDBC URL DataX uses for ep.
func JDBCURL(ep core.Endpoint) (string, error) {
	switch schema.NormalizeKind(ep.Kind) {
	case "mysql":
		return fmt.Sprintf("jdbc:mysql://%s:%d/%s?useUnicode=true&characterEncoding=utf8", ep.Host, ep.Port, ep.Database), nil
	case "oracle":
		return fmt.Sprintf("jdbc:oracle:thin:@%s:%d:%s", ep.Host, ep.Port, ep.Database), nil
	case "sqlserver":
		return fmt.Sprintf("jdbc:sqlserver://%s:%d;DatabaseName=%s", ep.Host, ep.Port, ep.Database), nil
	case "postgresql":
		return fmt.Sprintf("jdbc:postgresql://%s:%d/%s", ep.Host, ep.Port, ep.Database), nil
	}
	return "", core.NewConfigurationError("kind", "no JDBC URL for engine %q", ep.Kind)
}
