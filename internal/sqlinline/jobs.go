package sqlinline

const QInsertJob = `--sql ce868683-edbe-4dfc-abd1-d2cf03023595
insert into gen_jobs (
    correlation_id, job_id, account_id, input_json, prompt, settings_json, state,
    attempt_count, last_error, retryable, result_reference, generation, redrive_of,
    download_path, download_error, created_at, updated_at,
    submitted_at, last_polled_at, completed_at, downloaded_at
)
values (
    $1::text, nullif($2::text, ''), $3::text, $4::jsonb, $5::text, $6::jsonb, $7::text,
    $8::int, $9::text, $10::boolean, $11::text, $12::int, $13::text,
    $14::text, $15::text, $16::timestamptz, $17::timestamptz,
    $18::timestamptz, $19::timestamptz, $20::timestamptz, $21::timestamptz
)
returning seq;
`

const QUpdateJob = `--sql 4f335b65-e75f-4dfd-a66c-db05c53ce719
update gen_jobs set
    job_id = nullif($2::text, ''),
    input_json = $3::jsonb,
    state = $4::text,
    attempt_count = $5::int,
    last_error = $6::text,
    retryable = $7::boolean,
    result_reference = $8::text,
    download_path = $9::text,
    download_error = $10::text,
    updated_at = $11::timestamptz,
    submitted_at = $12::timestamptz,
    last_polled_at = $13::timestamptz,
    completed_at = $14::timestamptz,
    downloaded_at = $15::timestamptz
where correlation_id = $1::text;
`

const QSelectJobs = `--sql 17989974-a133-46c4-ad10-c20239ad9dd9
select
    seq, correlation_id, coalesce(job_id, ''), account_id, input_json, prompt, settings_json, state,
    attempt_count, last_error, retryable, result_reference, generation, redrive_of,
    download_path, download_error, created_at, updated_at,
    submitted_at, last_polled_at, completed_at, downloaded_at
from gen_jobs
order by seq asc;
`

const QDeleteJobs = `--sql 0bc06bb0-3339-4b65-bdf5-5d0c7883e309
delete from gen_jobs
where correlation_id = any($1::text[]);
`
