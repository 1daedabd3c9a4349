package dao

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/teotikalki/laminar/internal/model"
)

// BuildRow is one persisted build. Column names follow the historical
// schema so existing laminar.sqlite files remain readable.
type BuildRow struct {
	Name        string `gorm:"column:name;primaryKey"`
	Number      int    `gorm:"column:number;primaryKey"`
	Node        string `gorm:"column:node"`
	QueuedAt    int64  `gorm:"column:queuedAt"`
	StartedAt   int64  `gorm:"column:startedAt"`
	CompletedAt int64  `gorm:"column:completedAt"`
	Result      int    `gorm:"column:result"`
	Output      []byte `gorm:"column:output"`
	OutputLen   int    `gorm:"column:outputLen"`
	ParentJob   string `gorm:"column:parentJob"`
	ParentBuild int    `gorm:"column:parentBuild"`
	Reason      string `gorm:"column:reason"`
}

func (BuildRow) TableName() string { return "builds" }

// JobSummary is the latest-build digest used by the all-jobs page.
type JobSummary struct {
	Name        string `gorm:"column:name"`
	Number      int    `gorm:"column:number"`
	StartedAt   int64  `gorm:"column:startedAt"`
	CompletedAt int64  `gorm:"column:completedAt"`
	Result      int    `gorm:"column:result"`
}

// BuildRef points at one build without carrying its log.
type BuildRef struct {
	Number    int   `gorm:"column:number"`
	StartedAt int64 `gorm:"column:startedAt"`
}

// BuildDao is the persistence gateway for historical builds.
type BuildDao interface {
	Insert(name string, number int, node string, queuedAt, startedAt, completedAt int64,
		result model.RunState, log []byte, parentJob string, parentBuild int, reason string) error
	MaxBuildNums() (map[string]int, error)
	LatestResult(name string) (model.RunState, bool)
	LastDuration(name string) (int64, bool)
	Get(name string, number int) (*BuildRow, bool)
	Log(name string, number int) ([]byte, bool, error)
	Recent(limit int) ([]BuildRow, error)
	JobPage(name string, page int, sortField string, desc bool) ([]BuildRow, error)
	CountForJob(name string) (int64, error)
	LastSuccess(name string) (*BuildRef, bool)
	LastFailed(name string) (*BuildRef, bool)
	JobsSummary() ([]JobSummary, error)
	BuildsPerDay(now time.Time) ([]map[string]int, error)
	BuildsPerJob(now time.Time) (map[string]int, error)
	TimePerJob(now time.Time) (map[string]int64, error)
}

// RunsPerPage is the page size of the per-job build listing.
const RunsPerPage = 10

type buildDao struct {
	db *gorm.DB
}

func NewBuildDao(db *gorm.DB) BuildDao { return &buildDao{db: db} }

func (d *buildDao) Insert(name string, number int, node string, queuedAt, startedAt, completedAt int64,
	result model.RunState, log []byte, parentJob string, parentBuild int, reason string) error {
	stored, rawLen := maybeCompress(log)
	row := &BuildRow{
		Name:        name,
		Number:      number,
		Node:        node,
		QueuedAt:    queuedAt,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Result:      int(result),
		Output:      stored,
		OutputLen:   rawLen,
		ParentJob:   parentJob,
		ParentBuild: parentBuild,
		Reason:      reason,
	}
	return d.db.Create(row).Error
}

func (d *buildDao) MaxBuildNums() (map[string]int, error) {
	rows, err := d.db.Model(&BuildRow{}).Select("name, MAX(number) as number").Group("name").Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var name string
		var number int
		if err := rows.Scan(&name, &number); err != nil {
			return nil, err
		}
		out[name] = number
	}
	return out, rows.Err()
}

func (d *buildDao) LatestResult(name string) (model.RunState, bool) {
	type row struct{ Result int }
	var r row
	res := d.db.Raw(`SELECT result FROM builds WHERE name = ? `+
		`ORDER BY completedAt DESC LIMIT 1`, name).Scan(&r)
	if res.Error != nil || res.RowsAffected == 0 {
		return model.RunUnknown, false
	}
	return model.RunState(r.Result), true
}

func (d *buildDao) LastDuration(name string) (int64, bool) {
	type row struct{ Dur int64 }
	var r row
	res := d.db.Raw(`SELECT completedAt - startedAt AS dur FROM builds WHERE name = ? `+
		`ORDER BY completedAt DESC LIMIT 1`, name).Scan(&r)
	if res.Error != nil || res.RowsAffected == 0 {
		return 0, false
	}
	return r.Dur, true
}

func (d *buildDao) Get(name string, number int) (*BuildRow, bool) {
	var row BuildRow
	err := d.db.Where("name = ? AND number = ?", name, number).First(&row).Error
	if err != nil {
		return nil, false
	}
	return &row, true
}

// Log returns the decompressed log of a finished build. The second return
// is false when no such build exists; an error means the blob could not be
// decompressed.
func (d *buildDao) Log(name string, number int) ([]byte, bool, error) {
	row, ok := d.Get(name, number)
	if !ok {
		return nil, false, nil
	}
	raw, err := maybeDecompress(row.Output, row.OutputLen)
	if err != nil {
		return nil, true, err
	}
	return raw, true, nil
}

func (d *buildDao) Recent(limit int) ([]BuildRow, error) {
	var rows []BuildRow
	err := d.db.Order("completedAt DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// JobPage returns one page of a job's build history. The sort column is
// whitelisted here because ORDER BY cannot be parameterized.
func (d *buildDao) JobPage(name string, page int, sortField string, desc bool) ([]BuildRow, error) {
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	var orderBy string
	switch sortField {
	case "number":
		orderBy = "number " + dir
	case "result":
		orderBy = "result " + dir + ", number DESC"
	case "started":
		orderBy = "startedAt " + dir + ", number DESC"
	case "duration":
		orderBy = "(completedAt-startedAt) " + dir + ", number DESC"
	default:
		orderBy = "number DESC"
	}
	var rows []BuildRow
	err := d.db.Where("name = ?", name).Order(orderBy).
		Offset(page * RunsPerPage).Limit(RunsPerPage).Find(&rows).Error
	return rows, err
}

func (d *buildDao) CountForJob(name string) (int64, error) {
	var count int64
	err := d.db.Model(&BuildRow{}).Where("name = ?", name).Count(&count).Error
	return count, err
}

func (d *buildDao) LastSuccess(name string) (*BuildRef, bool) {
	return d.lastByResult(name, "=")
}

func (d *buildDao) LastFailed(name string) (*BuildRef, bool) {
	return d.lastByResult(name, "<>")
}

func (d *buildDao) lastByResult(name, op string) (*BuildRef, bool) {
	var ref BuildRef
	q := fmt.Sprintf(`SELECT number, startedAt FROM builds WHERE name = ? AND result %s ? `+
		`ORDER BY completedAt DESC LIMIT 1`, op)
	res := d.db.Raw(q, name, int(model.RunSuccess)).Scan(&ref)
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, false
	}
	return &ref, true
}

func (d *buildDao) JobsSummary() ([]JobSummary, error) {
	var rows []JobSummary
	err := d.db.Raw(`SELECT name, MAX(number) AS number, startedAt, completedAt, result ` +
		`FROM builds GROUP BY name ORDER BY number DESC`).Scan(&rows).Error
	return rows, err
}

// BuildsPerDay returns one result-name -> count map per day, oldest first,
// covering the last seven civil days.
func (d *buildDao) BuildsPerDay(now time.Time) ([]map[string]int, error) {
	out := make([]map[string]int, 0, 7)
	day := now.Unix() / 86400
	for i := 6; i >= 0; i-- {
		counts := make(map[string]int)
		rows, err := d.db.Raw(`SELECT result, COUNT(*) FROM builds `+
			`WHERE completedAt > ? AND completedAt < ? GROUP BY result`,
			86400*(day-int64(i)), 86400*(day-int64(i-1))).Rows()
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var result, num int
			if err := rows.Scan(&result, &num); err != nil {
				rows.Close()
				return nil, err
			}
			counts[model.RunState(result).String()] = num
		}
		rows.Close()
		out = append(out, counts)
	}
	return out, nil
}

func (d *buildDao) BuildsPerJob(now time.Time) (map[string]int, error) {
	rows, err := d.db.Raw(`SELECT name, COUNT(*) c FROM builds WHERE completedAt > ? `+
		`GROUP BY name ORDER BY c DESC LIMIT 5`, now.Unix()-86400).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		out[name] = count
	}
	return out, rows.Err()
}

func (d *buildDao) TimePerJob(now time.Time) (map[string]int64, error) {
	rows, err := d.db.Raw(`SELECT name, AVG(completedAt-startedAt) av FROM builds `+
		`WHERE completedAt > ? GROUP BY name ORDER BY av DESC LIMIT 5`, now.Unix()-7*86400).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var avg float64
		if err := rows.Scan(&name, &avg); err != nil {
			return nil, err
		}
		out[name] = int64(avg)
	}
	return out, rows.Err()
}
