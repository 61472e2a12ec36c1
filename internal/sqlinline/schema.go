package sqlinline

const QPGCreateSchema = `--sql 7fe1142d-0b05-45ac-a770-421473c5c56b
create table if not exists gen_jobs (
    seq              bigserial primary key,
    correlation_id   text not null unique,
    job_id           text,
    account_id       text not null,
    input_json       jsonb not null default '{}'::jsonb,
    prompt           text not null,
    settings_json    jsonb not null default '{}'::jsonb,
    state            text not null,
    attempt_count    integer not null default 0,
    last_error       text not null default '',
    retryable        boolean not null default false,
    result_reference text not null default '',
    generation       integer not null default 0,
    redrive_of       text not null default '',
    download_path    text not null default '',
    download_error   text not null default '',
    created_at       timestamptz not null,
    updated_at       timestamptz not null,
    submitted_at     timestamptz,
    last_polled_at   timestamptz,
    completed_at     timestamptz,
    downloaded_at    timestamptz
);
create unique index if not exists gen_jobs_job_id_uidx on gen_jobs (job_id) where job_id is not null;
create index if not exists gen_jobs_state_idx on gen_jobs (state, seq);
create table if not exists account_credentials (
    account_id text primary key,
    sealed     bytea not null,
    expires_at timestamptz not null,
    updated_at timestamptz not null
);
`

const QSQLiteCreateSchema = `--sql 83122389-7cb9-48de-af6c-40a7bbf6e0b8
create table if not exists gen_jobs (
    seq              integer primary key autoincrement,
    correlation_id   text not null unique,
    job_id           text,
    account_id       text not null,
    input_json       text not null default '{}',
    prompt           text not null,
    settings_json    text not null default '{}',
    state            text not null,
    attempt_count    integer not null default 0,
    last_error       text not null default '',
    retryable        boolean not null default 0,
    result_reference text not null default '',
    generation       integer not null default 0,
    redrive_of       text not null default '',
    download_path    text not null default '',
    download_error   text not null default '',
    created_at       timestamp not null,
    updated_at       timestamp not null,
    submitted_at     timestamp,
    last_polled_at   timestamp,
    completed_at     timestamp,
    downloaded_at    timestamp
);
create unique index if not exists gen_jobs_job_id_uidx on gen_jobs (job_id) where job_id is not null;
create index if not exists gen_jobs_state_idx on gen_jobs (state, seq);
create table if not exists account_credentials (
    account_id text primary key,
    sealed     blob not null,
    expires_at timestamp not null,
    updated_at timestamp not null
);
`
