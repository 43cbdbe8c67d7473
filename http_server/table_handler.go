package http_server

import (
	"net/http"
	"sort"

	"github.com/opensetdb/openset/database"
	"github.com/opensetdb/openset/oserror"
	"github.com/opensetdb/openset/schema"
)

type (
	CreateTableReqBody struct {
		Columns []TableColumn `json:"columns" validate:"required,min=1,dive"`
		// Session gap in seconds; 0 means the engine default.
		SessionTime int64 `json:"session_time"`
	}

	TableColumn struct {
		Name string `json:"name" validate:"required"`
		Type string `json:"type" validate:"required,oneof=int double bool text"`
	}

	DescribeTableRes struct {
		Name        string        `json:"name"`
		Columns     []TableColumn `json:"columns"`
		SessionTime int64         `json:"session_time"`
	}
)

// CreateTable registers a table and starts its standing per-partition cells.
// Creating an existing table is an error, not an upsert; schema evolution is
// out of scope.
func (s *HTTPServer) CreateTable(c *CustomContext) error {
	name := c.Param("table")
	if s.DB.GetTable(name) != nil {
		return c.RpcError(oserror.New(oserror.ClassConfig, oserror.CodeGeneralConfigError, "table already exists: "+name))
	}

	var reqBody CreateTableReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	cols := schema.NewColumns()
	for _, col := range reqBody.Columns {
		t, ok := schema.ParseColumnType(col.Type)
		if !ok {
			return c.RpcError(oserror.New(oserror.ClassConfig, oserror.CodeGeneralConfigError, "unknown column type: "+col.Type))
		}
		cols.Add(col.Name, t)
	}

	table := database.NewTable(name, cols)
	if reqBody.SessionTime > 0 {
		table.SessionTime = reqBody.SessionTime * 1000
	}
	s.DB.AddTable(table)
	s.standingCells(table)

	return c.JSON(http.StatusCreated, map[string]string{"table": name})
}

// DropTable removes a table. Standing and in-flight cells are purged from
// every partition loop; their shuttles complete with a retryable error.
func (s *HTTPServer) DropTable(c *CustomContext) error {
	table, e := s.tableFor(c)
	if e != nil {
		return c.RpcError(e)
	}
	s.DB.DropTable(table.Name, s.Pool)
	return c.JSON(http.StatusOK, map[string]string{"table": table.Name})
}

func (s *HTTPServer) ListTables(c *CustomContext) error {
	names := s.DB.TableNames()
	sort.Strings(names)
	return c.JSON(http.StatusOK, map[string][]string{"tables": names})
}

func (s *HTTPServer) DescribeTable(c *CustomContext) error {
	table, e := s.tableFor(c)
	if e != nil {
		return c.RpcError(e)
	}

	res := DescribeTableRes{
		Name:        table.Name,
		SessionTime: table.SessionTime / 1000,
	}
	for _, col := range table.Columns().List() {
		res.Columns = append(res.Columns, TableColumn{Name: col.Name, Type: col.Type.String()})
	}
	return c.JSON(http.StatusOK, res)
}
