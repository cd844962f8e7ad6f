package sqlinline

const QSelectAccountByID = `--sql 1bccc2a5-b32b-4094-8212-cdd9d3a2b5fa
select id, email, credits, trained, created_at, updated_at
from accounts
where id = $1::uuid
limit 1;
`

const QSelectAccountByEmail = `--sql 9f2a87cc-d51f-4189-9a85-7f6ce01114e4
select id, email, credits, trained, created_at, updated_at
from accounts
where lower(email) = lower($1::text)
limit 1;
`

const QSetAccountTrained = `--sql 0858681f-8d94-4e11-bc9d-95b56728a951
update accounts
set trained = $2::boolean,
    updated_at = now()
where id = $1::uuid;
`

const QUpsertAccountByEmail = `--sql 1ad49e40-e4dc-4e0b-816c-0dbc8227f61f
with incoming as (
    select lower(trim($1::text)) as email
)
insert into accounts (id, email, credits, trained, properties, created_at, updated_at)
values (gen_random_uuid(), (select email from incoming), 0, false, '{}'::jsonb, now(), now())
on conflict (email) do update set
    updated_at = now()
returning id, email, credits, trained, created_at, updated_at;
`

const QSelectCreditBalance = `--sql d208bfe7-6963-4422-b55c-06791ae35d7f
select credits
from accounts
where id = $1::uuid
limit 1;
`

const QAdjustCredits = `--sql 3ed59174-920a-4c06-b3c8-18162007e38e
select balance, applied
from fn_adjust_credits($1::uuid, $2::int, $3::uuid, $4::text);
`

const QListLedgerForOwner = `--sql 461a65bf-c69e-4d20-b6e5-11bb3bdd64d1
select id, coalesce(job_id::text, ''), delta, reason, balance_after, created_at
from credit_ledger
where owner_id = $1::uuid
order by created_at desc
limit $2::int;
`
