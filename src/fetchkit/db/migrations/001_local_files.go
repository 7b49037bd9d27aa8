package migrations

import "database/sql"

func migration001LocalFiles() Migration {
	return Migration{
		Version:     1,
		Description: "Create local_files table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS local_files (
					id TEXT PRIMARY KEY,
					mirror_id TEXT NOT NULL DEFAULT '',
					file_url TEXT NOT NULL,
					storage TEXT NOT NULL CHECK (storage IN ('cached', 'permanent')),
					created_at DATETIME
				)
			`)
			if err != nil {
				return err
			}

			_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_local_files_storage ON local_files(storage)`)
			return err
		},
	}
}
