package sqlinline

// Provider keys. The provider column is stored lower-case.

const QSelectIntegrationToken = `--sql 3c9b51e4-62a8-4d0e-9f0b-5e8d1a2b7c41
select t.token
from integration_tokens t
where t.provider = lower($1::text)
  and t.token <> '';
`

const QUpsertIntegrationToken = `--sql b7f02d6a-1e93-4c58-a0d4-8c6e2f91d350
insert into integration_tokens (provider, token, properties)
values (lower($1::text), $2::text, coalesce($3::jsonb, '{}'::jsonb))
on conflict (provider) do update set
    token = excluded.token,
    properties = integration_tokens.properties || excluded.properties,
    updated_at = now();
`

const QDeleteIntegrationToken = `--sql 5a6e8f17-d2c4-4b39-8e71-0f3a9c4d2b86
delete from integration_tokens
where provider = lower($1::text);
`
