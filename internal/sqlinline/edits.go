package sqlinline

const QInsertEditRecord = `--sql 4c9be7a1-3d52-4f0e-9c1a-2e8f6a1d5b90
insert into ai_edits(
  id,
  user_id,
  attachment_id,
  operation,
  provider,
  model,
  prompt,
  mime,
  width,
  height,
  buffer_key
)
values ($1::uuid, $2::text, $3::bigint, $4::text, $5::text, $6::text, $7::text, $8::text, $9::int, $10::int, nullif($11::text, ''));
`

const QCountEditsByProvider = `--sql 9f2d3c41-66aa-4c0f-8f7e-31bb0d24a18c
select provider, operation, count(*)::bigint
from ai_edits
where created_at > now() - interval '24 hours'
group by provider, operation
order by provider, operation;
`

const QRecentEditsForUser = `--sql 1b7a9e55-0c2f-4d8a-b4e1-77c3f9d2a640
select id, attachment_id, operation, provider, model, prompt, mime, width, height, coalesce(buffer_key, ''), created_at
from ai_edits
where user_id = $1::text
order by created_at desc
limit $2::int;
`
