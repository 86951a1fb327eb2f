package parser_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-initd/initd/internal/parser"
	"github.com/go-initd/initd/internal/record"
)

func TestParseBasicService(t *testing.T) {
	src := `
# a comment
service [2345] log user=www-data /usr/sbin/httpd -k start -- the web server
task run_once /etc/initd/scripts/fsck.sh
`
	recs, err := parser.Parse(strings.NewReader(src), "test.conf")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	httpd := recs[0]
	assert.Equal(t, record.SERVICE, httpd.Kind)
	assert.True(t, httpd.Runlevels.Has(2))
	assert.False(t, httpd.Runlevels.Has(1))
	assert.True(t, httpd.LogToSyslog)
	assert.Equal(t, "www-data", httpd.User)
	assert.Equal(t, "/usr/sbin/httpd", httpd.Key.Command)
	assert.Equal(t, []string{"/usr/sbin/httpd", "-k", "start"}, httpd.Argv)
	assert.Equal(t, "the web server", httpd.Description)

	fsck := recs[1]
	assert.Equal(t, record.TASK, fsck.Kind)
	assert.True(t, fsck.Runlevels.Has(3), "default runlevel set is 2-5")
}

func TestParseConditionsAndBootstrapRunlevel(t *testing.T) {
	src := `run [S] cond=net/up cond=!maintenance /sbin/fsck /`
	recs, err := parser.Parse(strings.NewReader(src), "test.conf")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.True(t, rec.Runlevels.Has(record.Bootstrap))
	require.Len(t, rec.Conditions, 2)
	assert.Equal(t, record.CondRef{Name: "net/up"}, rec.Conditions[0])
	assert.Equal(t, record.CondRef{Name: "maintenance", Negate: true}, rec.Conditions[1])
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := parser.Parse(strings.NewReader("daemon /bin/true"), "test.conf")
	assert.Error(t, err)
}

func TestParseAssignsInstanceIDsForRepeats(t *testing.T) {
	src := "service /sbin/getty tty1\nservice /sbin/getty tty2\n"
	recs, err := parser.Parse(strings.NewReader(src), "test.conf")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Key.ID)
	assert.Equal(t, 2, recs[1].Key.ID)
}
