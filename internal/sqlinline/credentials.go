package sqlinline

const QSelectCredential = `--sql 1077d33d-667b-4904-9ddf-e64a4b257a8f
select account_id, sealed, expires_at, updated_at
from account_credentials
where account_id = $1::text
limit 1;
`

const QUpsertCredential = `--sql 4832f14f-e980-4791-bafa-823deb8b8ed7
insert into account_credentials (account_id, sealed, expires_at, updated_at)
values ($1::text, $2::bytea, $3::timestamptz, $4::timestamptz)
on conflict (account_id) do update set
    sealed = excluded.sealed,
    expires_at = excluded.expires_at,
    updated_at = excluded.updated_at;
`

const QDeleteCredential = `--sql 1d25d825-38a2-4b97-a746-7c1f044bbc47
delete from account_credentials
where account_id = $1::text;
`

const QSelectCredentials = `--sql a4713c42-ae4c-46e5-aa07-8d3e32a73c98
select account_id, sealed, expires_at, updated_at
from account_credentials
order by account_id asc;
`
