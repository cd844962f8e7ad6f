package sqlinline

const QInsertJob = `--sql bf9f736e-7d8b-4fa2-ac99-acf63132ba68
insert into jobs (id, owner_id, kind, status, single_flight, input, progress, logs, credits_consumed, created_at, updated_at)
values ($1::uuid, $2::uuid, $3::text, 'pending', $4::boolean, coalesce($5::jsonb, '{}'::jsonb), 0, '{}', 0, now(), now())
returning created_at, updated_at;
`

const QSetJobQueueRef = `--sql 16255983-29c4-4531-9e19-b226252897c9
update jobs
set queue_ref = $2::text,
    updated_at = now()
where id = $1::uuid;
`

const QSelectJobForOwner = `--sql 0cb20d68-e5a0-4137-804f-897f80eae37b
select id, owner_id, kind, status, single_flight, input, result, progress, logs,
       coalesce(error_message, ''), credits_consumed, coalesce(queue_ref, ''), created_at, updated_at
from jobs
where id = $1::uuid
  and owner_id = $2::uuid
limit 1;
`

const QSelectJobByID = `--sql 62a0f701-2b36-462a-9d98-5497c6d2e4f1
select id, owner_id, kind, status, single_flight, input, result, progress, logs,
       coalesce(error_message, ''), credits_consumed, coalesce(queue_ref, ''), created_at, updated_at
from jobs
where id = $1::uuid
limit 1;
`

const QCountJobsForOwner = `--sql 13665425-9926-43b4-8a22-2f5c1910bf7d
select count(*)
from jobs
where owner_id = $1::uuid
  and ($2::text = '' or kind = $2::text)
  and ($3::text = '' or status = $3::text);
`

const QListJobsForOwner = `--sql a55a371b-ccca-4137-95e7-ba560351b704
select id, owner_id, kind, status, single_flight, input, result, progress, logs,
       coalesce(error_message, ''), credits_consumed, coalesce(queue_ref, ''), created_at, updated_at
from jobs
where owner_id = $1::uuid
  and ($2::text = '' or kind = $2::text)
  and ($3::text = '' or status = $3::text)
order by created_at desc, id desc
limit $4::int
offset $5::int;
`

const QDeleteJobForOwner = `--sql 02eb72c0-583c-479d-9f72-ef798845fc8e
delete from jobs
where id = $1::uuid
  and owner_id = $2::uuid
returning id, owner_id, kind, status, single_flight, input, result, progress, logs,
          coalesce(error_message, ''), credits_consumed, coalesce(queue_ref, ''), created_at, updated_at;
`

const QSelectActiveJob = `--sql 10563062-3434-4dfe-9913-fe3442a68593
select id, owner_id, kind, status, single_flight, input, result, progress, logs,
       coalesce(error_message, ''), credits_consumed, coalesce(queue_ref, ''), created_at, updated_at
from jobs
where owner_id = $1::uuid
  and kind = $2::text
  and status in ('pending', 'processing')
order by created_at desc
limit 1;
`

const QMarkJobProcessing = `--sql 4f0362ec-f6f5-4627-a2db-7c27007ef700
update jobs
set status = 'processing',
    updated_at = now()
where id = $1::uuid
  and status in ('pending', 'processing')
returning id;
`

const QUpdateJobProgress = `--sql cd4bf446-d116-4cf4-9505-94ac5aa4667f
update jobs
set progress = greatest(progress, $2::int),
    logs = case
        when $3::text = '' or $3::text = any(logs) then logs
        else array_append(logs, $3::text)
    end,
    updated_at = now()
where id = $1::uuid
  and status = 'processing';
`

const QMarkJobCompleted = `--sql c5761a15-aeaa-4bc3-a5ad-d3e40e3d176d
update jobs
set status = 'completed',
    result = $2::jsonb,
    credits_consumed = $3::int,
    progress = 100,
    error_message = null,
    updated_at = now()
where id = $1::uuid
  and status = 'processing'
returning id;
`

const QMarkJobFailed = `--sql 96737850-496f-4b9e-ad14-f5212b6f0225
update jobs
set status = 'failed',
    error_message = $2::text,
    updated_at = now()
where id = $1::uuid
  and status in ('pending', 'processing')
returning id;
`

const QListStaleJobs = `--sql 0c8cec9d-2d96-42ae-8e44-efe0358af267
select id, owner_id, kind, status, single_flight, input, result, progress, logs,
       coalesce(error_message, ''), credits_consumed, coalesce(queue_ref, ''), created_at, updated_at
from jobs
where status = $1::text
  and updated_at < $2::timestamptz
order by updated_at asc
limit $3::int;
`
