package toolload

// keywordGroups maps task-description tokens to tool-group keys. Many to
// many: one token can light up several groups and several tokens can light
// up the same group. The table is static so selection stays a pure function
// of its inputs.
var keywordGroups = map[string][]string{
	"deploy":    {"deployment", "infrastructure"},
	"release":   {"deployment"},
	"rollout":   {"deployment"},
	"provision": {"infrastructure"},
	"terraform": {"infrastructure"},
	"cluster":   {"infrastructure"},

	"test":      {"testing"},
	"tests":     {"testing"},
	"lint":      {"testing"},
	"benchmark": {"testing"},

	"file":      {"filesystem"},
	"read":      {"filesystem"},
	"write":     {"filesystem"},
	"directory": {"filesystem"},

	"git":    {"vcs"},
	"commit": {"vcs"},
	"branch": {"vcs"},
	"merge":  {"vcs"},
	"diff":   {"vcs"},

	"search": {"search"},
	"find":   {"search"},
	"grep":   {"search"},
	"query":  {"search", "database"},

	"database":  {"database"},
	"sql":       {"database"},
	"migrate":   {"database"},
	"migration": {"database"},
	"schema":    {"database"},

	"http":    {"network"},
	"api":     {"network"},
	"request": {"network"},
	"fetch":   {"network"},
	"webhook": {"network"},

	"build":   {"build"},
	"compile": {"build"},
	"package": {"build"},
	"docker":  {"build", "infrastructure"},

	"log":     {"observability"},
	"logs":    {"observability"},
	"monitor": {"observability"},
	"metric":  {"observability"},
	"metrics": {"observability"},
	"trace":   {"observability"},

	"config":        {"configuration"},
	"configuration": {"configuration"},
	"secret":        {"configuration"},
	"credential":    {"configuration"},
}
