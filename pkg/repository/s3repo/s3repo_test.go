package s3repo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hotload/pkg/module"
)

func TestKeyMapping(t *testing.T) {
	r, err := newWithClient(nil, Config{RepositoryID: "s3", Prefix: "archives/"})
	require.NoError(t, err)

	id := module.NewID("com.acme.app", "v2")
	key := r.key(id)
	assert.Equal(t, "archives/com.acme.app.v2.jar", key)

	back, ok := r.idFromKey(key)
	require.True(t, ok)
	assert.Equal(t, id, back)

	_, ok = r.idFromKey("archives/readme.txt")
	assert.False(t, ok)
	_, ok = r.idFromKey("other-prefix/x.jar")
	assert.False(t, ok)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, isNotFoundError(errors.New("operation error S3: HeadObject, https response error StatusCode: 404, NotFound")))
	assert.True(t, isNotFoundError(errors.New("NoSuchKey: the specified key does not exist")))
	assert.False(t, isNotFoundError(errors.New("AccessDenied")))
	assert.False(t, isNotFoundError(nil))

	assert.True(t, isAlreadyExistsError(errors.New("BucketAlreadyOwnedByYou")))
	assert.False(t, isAlreadyExistsError(errors.New("SlowDown")))
}
