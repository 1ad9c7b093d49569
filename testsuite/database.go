package testsuite

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/runtime"
)

// ids of the orgs and users inserted by testdata.sql
const (
	Org1 = models.OrgID(1)
	Org2 = models.OrgID(2)

	Org1Admin = models.UserID(1)
	Org1Agent = models.UserID(2)
	Org2Admin = models.UserID(3)
)

// ResetDB rebuilds the schema and loads the standard test orgs and users.
func ResetDB(t *testing.T, rt *runtime.Runtime) {
	schema, err := os.ReadFile(absPath("backends/postgres/schema.sql"))
	require.NoError(t, err)
	rt.DB.MustExec(string(schema))

	seed, err := os.ReadFile(absPath("testsuite/testdata.sql"))
	require.NoError(t, err)
	rt.DB.MustExec(string(seed))
}
