package sqlinline

// SQLite variants share the schema above; placeholders are positional "?".

const QSQLiteInsertJob = `--sql 62d98ec4-52bf-4ab9-8c2b-5b1535a61060
insert into gen_jobs (
    correlation_id, job_id, account_id, input_json, prompt, settings_json, state,
    attempt_count, last_error, retryable, result_reference, generation, redrive_of,
    download_path, download_error, created_at, updated_at,
    submitted_at, last_polled_at, completed_at, downloaded_at
)
values (?, nullif(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const QSQLiteUpdateJob = `--sql 2121a861-f93f-477d-abe6-861c58571691
update gen_jobs set
    job_id = nullif(?, ''),
    input_json = ?,
    state = ?,
    attempt_count = ?,
    last_error = ?,
    retryable = ?,
    result_reference = ?,
    download_path = ?,
    download_error = ?,
    updated_at = ?,
    submitted_at = ?,
    last_polled_at = ?,
    completed_at = ?,
    downloaded_at = ?
where correlation_id = ?;
`

const QSQLiteSelectJobs = `--sql 61b32ce5-449b-4a39-8f25-9fc168cfe385
select
    seq, correlation_id, coalesce(job_id, ''), account_id, input_json, prompt, settings_json, state,
    attempt_count, last_error, retryable, result_reference, generation, redrive_of,
    download_path, download_error, created_at, updated_at,
    submitted_at, last_polled_at, completed_at, downloaded_at
from gen_jobs
order by seq asc;
`

const QSQLiteDeleteJob = `--sql 06e32941-c052-40ab-b4b4-b43e66d9dc01
delete from gen_jobs
where correlation_id = ?;
`

const QSQLiteSelectCredential = `--sql 32cf2850-0d7c-4aca-bde3-ec1643d31e58
select account_id, sealed, expires_at, updated_at
from account_credentials
where account_id = ?;
`

const QSQLiteUpsertCredential = `--sql ab6fb338-39c5-4e0c-8bed-f4b3264cf4d0
insert into account_credentials (account_id, sealed, expires_at, updated_at)
values (?, ?, ?, ?)
on conflict (account_id) do update set
    sealed = excluded.sealed,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at;
`

const QSQLiteDeleteCredential = `--sql 8659a36b-8596-4069-b541-8dba9cfa35e6
delete from account_credentials
where account_id = ?;
`

const QSQLiteSelectCredentials = `--sql f85a3da0-2bc6-43ff-940e-6aca1a29b74f
select account_id, sealed, expires_at, updated_at
from account_credentials
order by account_id asc;
`
