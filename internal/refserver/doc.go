/*
Package refserver implements a reference HTTP object store.

It exists so the mount can be exercised end to end without a real
object store: it serves the same seven endpoints internal/remote.Client
speaks, backed by a plain directory tree on local disk.

# Endpoints

	GET    /api/info/{path}              -> {"size","timestamp","is_dir"}
	GET    /api/list/{path}               -> ["name", ...] (immediate children)
	GET    /api/data/{path}                (Range: bytes=a-b optional)
	PUT    /api/data/{path}                (Content-Range: bytes a-b/* optional)
	POST   /api/create/{path}?directory={bool}
	POST   /api/rename                     {"old_path","new_path"}
	DELETE /api/delete/{path}              (404 and success both return 204)

This is reference infrastructure for local development and integration
tests, not a production object store: it holds no authentication, no
multi-tenancy, and no durability guarantees beyond the host filesystem.
*/
package refserver
